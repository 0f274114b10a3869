// Package assemble arranges admitted entries into ordered context blocks for
// the prompt-assembly caller. Depth is a rendering hint only; the assembler
// never rewrites conversation history.
package assemble

import (
	"sort"

	"github.com/daverage/loreweave/internal/budget"
	"github.com/daverage/loreweave/internal/entry"
)

// Block is one rendered context block.
type Block struct {
	EntryID   string         `json:"entry_id"`
	Position  entry.Position `json:"position"`
	Role      entry.Role     `json:"role"`
	Order     int            `json:"order"`
	Depth     int            `json:"depth"`
	Text      string         `json:"text"`
	TokenCost int            `json:"token_cost"`
}

// Assembly is the full per-turn result handed to the caller.
type Assembly struct {
	Blocks      []Block `json:"blocks"`
	TotalTokens int     `json:"total_tokens"`
}

// Build renders admitted decisions into blocks grouped by position, ordered
// within each group by configured order ascending, then score descending,
// then entry ID.
func Build(decisions []budget.Decision) Assembly {
	var admitted []budget.Decision
	total := 0
	for _, d := range decisions {
		if d.Included {
			admitted = append(admitted, d)
			total += d.TokenCost
		}
	}

	type renderable struct {
		block Block
		score float64
	}
	items := make([]renderable, 0, len(admitted))
	for _, d := range admitted {
		pos := d.Entry.Positioning
		role := pos.Role
		if role == "" {
			role = entry.RoleSystem
		}
		position := pos.Position
		if position == "" {
			position = entry.PositionAfterSystem
		}
		items = append(items, renderable{
			block: Block{
				EntryID:   d.Entry.ID,
				Position:  position,
				Role:      role,
				Order:     pos.Order,
				Depth:     pos.Depth,
				Text:      d.Entry.Content,
				TokenCost: d.TokenCost,
			},
			score: d.Score,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.block.Position.Rank() != b.block.Position.Rank() {
			return a.block.Position.Rank() < b.block.Position.Rank()
		}
		if a.block.Order != b.block.Order {
			return a.block.Order < b.block.Order
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.block.EntryID < b.block.EntryID
	})

	blocks := make([]Block, 0, len(items))
	for _, it := range items {
		blocks = append(blocks, it.block)
	}

	return Assembly{Blocks: blocks, TotalTokens: total}
}
