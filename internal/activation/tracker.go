// Package activation implements the per-(conversation, entry) activation
// state machine: Idle → Pending → Active → Cooling → Idle. State is kept in
// an addressable table keyed by conversation so it can be inspected in tests
// and garbage-collected when a conversation goes idle.
package activation

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/daverage/loreweave/internal/entry"
)

// State is the activation phase of one entry within one conversation.
type State int

const (
	Idle State = iota
	Pending
	Active
	Cooling
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Cooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// EntryState is the mutable counter block for one (conversation, entry) pair.
type EntryState struct {
	State State
	// ConsecutiveMatches counts matching turns while Pending.
	ConsecutiveMatches int
	// StickyLeft counts remaining turns the entry stays Active after its
	// match lapses.
	StickyLeft int
	// CooldownLeft counts remaining turns before the entry may re-trigger.
	CooldownLeft int
}

// conversationStates holds all entry states for one conversation.
type conversationStates struct {
	entries map[string]*EntryState
}

// Tracker owns the activation state table. Per-conversation state expires
// after the idle TTL; counters are never shared across conversations.
type Tracker struct {
	table *expirable.LRU[string, *conversationStates]
}

// NewTracker creates a tracker. size bounds how many conversations keep live
// state; ttl evicts conversations idle longer than the given duration.
func NewTracker(size int, ttl time.Duration) *Tracker {
	return &Tracker{
		table: expirable.NewLRU[string, *conversationStates](size, nil, ttl),
	}
}

// Step advances the state machine for one (conversation, entry) pair given
// this turn's match signal, and reports whether the entry is Active for this
// turn (including the turn a match first becomes effective).
//
// Counter semantics, all measured in turns:
//   - delay: consecutive matching turns required before activation takes
//     effect; 0 activates on the matching turn itself.
//   - sticky: turns the entry stays Active after its match lapses; a match
//     while Active refreshes the window.
//   - cooldown: turns the entry must sit out after leaving Active before it
//     can re-trigger.
func (t *Tracker) Step(conversationID, entryID string, matched bool, cfg entry.AdvancedActivation) bool {
	states, ok := t.table.Get(conversationID)
	if !ok {
		states = &conversationStates{entries: make(map[string]*EntryState)}
	}
	// Re-add on every step to refresh the idle TTL.
	t.table.Add(conversationID, states)

	s, ok := states.entries[entryID]
	if !ok {
		// State is created lazily on first evaluation.
		s = &EntryState{State: Idle}
		states.entries[entryID] = s
	}

	return step(s, matched, cfg)
}

// State returns the current state for one (conversation, entry) pair without
// advancing it.
func (t *Tracker) State(conversationID, entryID string) State {
	states, ok := t.table.Peek(conversationID)
	if !ok {
		return Idle
	}
	s, ok := states.entries[entryID]
	if !ok {
		return Idle
	}
	return s.State
}

// Forget drops all state for a conversation, e.g. when it closes.
func (t *Tracker) Forget(conversationID string) {
	t.table.Remove(conversationID)
}

// step is the pure transition function. It mutates s and reports whether the
// entry is Active for this turn.
func step(s *EntryState, matched bool, cfg entry.AdvancedActivation) bool {
	switch s.State {
	case Idle:
		if !matched {
			return false
		}
		s.ConsecutiveMatches = 1
		if s.ConsecutiveMatches >= cfg.Delay {
			enterActive(s, cfg)
			return true
		}
		s.State = Pending
		return false

	case Pending:
		if !matched {
			// Match lapsed before the delay elapsed.
			reset(s)
			return false
		}
		s.ConsecutiveMatches++
		if s.ConsecutiveMatches >= cfg.Delay {
			enterActive(s, cfg)
			return true
		}
		return false

	case Active:
		if matched {
			// A fresh match refreshes the sticky window.
			s.StickyLeft = cfg.Sticky
			return true
		}
		if s.StickyLeft > 0 {
			s.StickyLeft--
			return true
		}
		// Sticky window elapsed and no current match.
		if cfg.Cooldown > 0 {
			s.State = Cooling
			s.CooldownLeft = cfg.Cooldown
		} else {
			reset(s)
		}
		return false

	case Cooling:
		// Matches are ignored while cooling, turns still elapse.
		s.CooldownLeft--
		if s.CooldownLeft <= 0 {
			reset(s)
		}
		return false

	default:
		reset(s)
		return false
	}
}

func enterActive(s *EntryState, cfg entry.AdvancedActivation) {
	s.State = Active
	s.StickyLeft = cfg.Sticky
	s.ConsecutiveMatches = 0
}

func reset(s *EntryState) {
	s.State = Idle
	s.ConsecutiveMatches = 0
	s.StickyLeft = 0
	s.CooldownLeft = 0
}
