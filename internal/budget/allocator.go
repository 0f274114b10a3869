// Package budget admits ranked candidates into the context window without
// exceeding the token budget. Allocation is a pure, deterministic walk over
// the ranked list.
package budget

import (
	"github.com/daverage/loreweave/internal/score"
)

// Reason explains why an entry was excluded.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonBudgetExhausted Reason = "budget_exhausted"
	ReasonExceedsEntryCap Reason = "exceeds_entry_cap"
)

// Decision records the allocator's verdict for one ranked candidate.
type Decision struct {
	score.Scored
	Included  bool
	Reason    Reason
	TokenCost int
}

// Allocate walks the ranked list greedily. Entries flagged ignore_budget are
// always admitted and their cost is still subtracted from the remaining
// budget, which may go negative; later non-ignoring entries are then excluded
// for insufficient budget. Other entries are excluded when their cost exceeds
// their own max-token cap or the remaining budget, whichever is smaller.
// Returns the decisions in rank order and the total tokens consumed.
func Allocate(ranked []score.Scored, budgetTokens int) ([]Decision, int) {
	decisions := make([]Decision, 0, len(ranked))
	remaining := budgetTokens
	used := 0

	for _, s := range ranked {
		cost := s.Entry.Tokens
		d := Decision{Scored: s, TokenCost: cost}

		switch {
		case s.Entry.Budget.IgnoreBudget:
			d.Included = true
			remaining -= cost
			used += cost
		case s.Entry.Budget.MaxTokens > 0 && cost > s.Entry.Budget.MaxTokens:
			d.Reason = ReasonExceedsEntryCap
		case cost > remaining:
			d.Reason = ReasonBudgetExhausted
		default:
			d.Included = true
			remaining -= cost
			used += cost
		}

		decisions = append(decisions, d)
	}

	return decisions, used
}
