// Package score converts match signals into a total order over active
// candidates. The exact weights are tunable; the ordering properties are
// fixed: similarity dominates, keyword hits add a fixed increment each,
// importance and configured order break ties, and the entry ID breaks any
// remaining tie so identical inputs always rank identically.
package score

import (
	"sort"

	"github.com/daverage/loreweave/internal/entry"
	"github.com/daverage/loreweave/internal/match"
)

// Weights tunes the scoring formula.
type Weights struct {
	Similarity float64
	Keyword    float64
	Importance float64
}

// Candidate is an active entry awaiting scoring.
type Candidate struct {
	Entry  *entry.KnowledgeEntry
	Signal match.Signal
}

// Scored is a candidate with its computed activation score.
type Scored struct {
	Candidate
	Score float64
}

// Compute returns the activation score for one candidate.
func Compute(c Candidate, w Weights) float64 {
	score := w.Similarity * c.Signal.Similarity
	score += w.Keyword * float64(len(c.Signal.Keywords))
	score += w.Importance * float64(c.Entry.Importance) / 10
	return score
}

// Rank scores all candidates and returns them strictly ordered, highest
// score first.
func Rank(candidates []Candidate, w Weights) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, Scored{Candidate: c, Score: Compute(c, w)})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Entry.Importance != b.Entry.Importance {
			return a.Entry.Importance > b.Entry.Importance
		}
		if a.Entry.Positioning.Order != b.Entry.Positioning.Order {
			return a.Entry.Positioning.Order < b.Entry.Positioning.Order
		}
		return a.Entry.ID < b.Entry.ID
	})
	return scored
}
