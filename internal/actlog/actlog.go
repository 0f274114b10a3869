// Package actlog durably records every activation decision, admitted or not.
// Entries are append-only: the audit trail is never mutated after creation.
package actlog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Exclusion reasons recorded alongside non-admitted candidates. The budget
// allocator's reasons are carried through unchanged.
const (
	ReasonNoMatch          = "no_match"
	ReasonProbabilityGated = "probability_gated"
	ReasonDelayPending     = "delay_pending"
	ReasonCooling          = "cooling"
	ReasonBudgetExhausted  = "budget_exhausted"
	ReasonExceedsEntryCap  = "exceeds_entry_cap"
)

// Entry is one activation decision for one candidate in one turn.
type Entry struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	MessageIndex    int        `json:"message_index"`
	EntryID         string     `json:"entry_id"`
	Method          string     `json:"method"`
	Score           float64    `json:"score"`
	Similarity      *float64   `json:"similarity,omitempty"`
	Position        string     `json:"position,omitempty"`
	Tokens          int        `json:"tokens"`
	Included        bool       `json:"included"`
	ExclusionReason string     `json:"exclusion_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// New creates a log entry with a fresh ID and timestamp.
func New(conversationID string, messageIndex int, entryID string) Entry {
	return Entry{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		MessageIndex:   messageIndex,
		EntryID:        entryID,
		CreatedAt:      time.Now().UTC(),
	}
}

// Sink is the append-only destination for activation log entries. The engine
// never reads the log; reads exist only for operator tooling.
type Sink interface {
	Append(ctx context.Context, entries []Entry) error
}
