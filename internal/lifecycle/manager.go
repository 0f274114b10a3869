// Package lifecycle manages the memory state machine: short_term →
// long_term → consolidated, plus the orthogonal conversion of memories into
// permanent knowledge entries.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/loreweave/internal/conversation"
	"github.com/daverage/loreweave/internal/entry"
	"github.com/daverage/loreweave/internal/tokens"
)

// Summarizer merges consolidation candidates into one text. Real deployments
// plug in a model-backed implementation; the default concatenates.
type Summarizer interface {
	Summarize(ctx context.Context, memories []*entry.Memory) (string, error)
}

// JoinSummarizer is the default Summarizer: it joins memory contents in
// message order.
type JoinSummarizer struct{}

// Summarize implements Summarizer.
func (JoinSummarizer) Summarize(_ context.Context, memories []*entry.Memory) (string, error) {
	parts := make([]string, 0, len(memories))
	for _, m := range memories {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n"), nil
}

// PromotionPolicy carries the externally supplied criteria for promoting a
// short-term memory to long-term. The policy itself lives outside the
// engine; this only applies it.
type PromotionPolicy struct {
	MinImportance int
	MinAge        time.Duration
}

// Manager drives memory promotion, consolidation and conversion to lore.
type Manager struct {
	entries    *entry.Store
	convs      *conversation.Store
	counter    *tokens.Counter
	summarizer Summarizer
	threshold  int
	logger     *zap.Logger
}

// NewManager creates a lifecycle manager. summarizer may be nil; the join
// summarizer is used then.
func NewManager(entries *entry.Store, convs *conversation.Store, counter *tokens.Counter, summarizer Summarizer, summarizeThreshold int, logger *zap.Logger) *Manager {
	if summarizer == nil {
		summarizer = JoinSummarizer{}
	}
	return &Manager{
		entries:    entries,
		convs:      convs,
		counter:    counter,
		summarizer: summarizer,
		threshold:  summarizeThreshold,
		logger:     logger,
	}
}

// RecordTurn adds a turn's tokens to the conversation's running totals and
// returns the updated conversation state. The summarization flag flips here
// when the unsummarized remainder crosses the threshold.
func (m *Manager) RecordTurn(ctx context.Context, conversationID, text string) (*conversation.Conversation, error) {
	if _, err := m.convs.GetOrCreate(ctx, conversationID); err != nil {
		return nil, err
	}
	count := m.counter.Count(text)
	return m.convs.AddTokens(ctx, conversationID, count, m.threshold)
}

// ConsolidateIfRequired merges the conversation's eligible short-term
// memories into one consolidated memory when the summarization flag is set.
// Returns the new memory, or nil when nothing was required. A completed
// consolidation clears requires_summarization and advances
// last_summarized_message_index to the last folded-in memory.
func (m *Manager) ConsolidateIfRequired(ctx context.Context, conversationID string) (*entry.Memory, error) {
	conv, err := m.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.RequiresSummarization {
		return nil, nil
	}

	candidates, err := m.entries.ListShortTermSince(ctx, conversationID, conv.LastSummarizedMessageIndex)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		// Nothing to fold in; the flag stays set until memories exist.
		m.logger.Debug("summarization required but no eligible memories",
			zap.String("conversation_id", conversationID))
		return nil, nil
	}

	merged, err := m.summarizer.Summarize(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("summarize failed: %w", err)
	}

	lastIndex := candidates[len(candidates)-1].MessageIndex
	importance := 1
	botIDs := map[string]bool{}
	personaIDs := map[string]bool{}
	for _, c := range candidates {
		if c.Importance > importance {
			importance = c.Importance
		}
		for _, b := range c.BotIDs {
			botIDs[b] = true
		}
		for _, p := range c.PersonaIDs {
			personaIDs[p] = true
		}
	}

	consolidated := &entry.Memory{
		UserID:         candidates[0].UserID,
		BotIDs:         keys(botIDs),
		PersonaIDs:     keys(personaIDs),
		ConversationID: conversationID,
		MessageIndex:   lastIndex,
		Content:        merged,
		Tokens:         m.counter.Count(merged),
		Type:           entry.Consolidated,
		Importance:     importance,
	}
	if err := m.entries.CreateMemory(ctx, consolidated); err != nil {
		return nil, fmt.Errorf("failed to store consolidated memory: %w", err)
	}

	if err := m.convs.CompleteSummarization(ctx, conversationID, lastIndex); err != nil {
		return nil, err
	}

	m.logger.Info("consolidated short-term memories",
		zap.String("conversation_id", conversationID),
		zap.Int("merged", len(candidates)),
		zap.Int("last_message_index", lastIndex))

	return consolidated, nil
}

// Promote advances a short-term memory to long-term when it satisfies the
// supplied policy. Promoting a memory that is already long-term or
// consolidated is a no-op.
func (m *Manager) Promote(ctx context.Context, memoryID string, policy PromotionPolicy) (bool, error) {
	mem, err := m.entries.GetMemory(ctx, memoryID)
	if err != nil {
		return false, err
	}
	if mem.Type != entry.ShortTerm {
		return false, nil
	}
	if mem.Importance < policy.MinImportance {
		return false, nil
	}
	if policy.MinAge > 0 && time.Since(mem.CreatedAt) < policy.MinAge {
		return false, nil
	}
	if err := m.entries.SetMemoryType(ctx, memoryID, entry.LongTerm); err != nil {
		return false, err
	}
	return true, nil
}

// ConvertToLore creates a permanent knowledge entry from a memory. The
// source memory is left unchanged apart from the conversion flag, reference
// and timestamp, which are set atomically. Converting an already-converted
// memory returns the existing entry.
func (m *Manager) ConvertToLore(ctx context.Context, memoryID string) (*entry.KnowledgeEntry, error) {
	e, created, err := m.entries.ConvertMemory(ctx, memoryID, func(mem *entry.Memory) *entry.KnowledgeEntry {
		return &entry.KnowledgeEntry{
			UserID:  mem.UserID,
			Content: mem.Content,
			Tokens:  mem.Tokens,
			Activation: entry.ActivationSettings{
				Mode: entry.ModeVector,
			},
			Positioning: entry.Positioning{
				Position: entry.PositionAfterSystem,
				Role:     entry.RoleSystem,
			},
			Filtering: entry.Filtering{
				AllowBots:     mem.BotIDs,
				AllowPersonas: mem.PersonaIDs,
			},
			Importance: mem.Importance,
		}
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.logger.Info("converted memory to lore",
			zap.String("memory_id", memoryID), zap.String("entry_id", e.ID))
	}
	return e, nil
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
