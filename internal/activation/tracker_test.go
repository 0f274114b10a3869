package activation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/daverage/loreweave/internal/entry"
)

func newTestTracker() *Tracker {
	return NewTracker(16, time.Hour)
}

func TestStepZeroCountersFollowsMatches(t *testing.T) {
	tr := newTestTracker()
	cfg := entry.AdvancedActivation{}

	// With all counters at zero the entry is active exactly on matching turns.
	assert.True(t, tr.Step("conv", "e", true, cfg))
	assert.Equal(t, Active, tr.State("conv", "e"))

	assert.False(t, tr.Step("conv", "e", false, cfg))
	assert.Equal(t, Idle, tr.State("conv", "e"))

	assert.True(t, tr.Step("conv", "e", true, cfg))
	assert.True(t, tr.Step("conv", "e", true, cfg))
	assert.False(t, tr.Step("conv", "e", false, cfg))
}

func TestStepStickyAndCooldown(t *testing.T) {
	tr := newTestTracker()
	cfg := entry.AdvancedActivation{Sticky: 2, Cooldown: 1}

	// Turn 1: match, activates with a sticky window of 2.
	assert.True(t, tr.Step("conv", "e", true, cfg))
	assert.Equal(t, Active, tr.State("conv", "e"))

	// Turns 2-3: no match, sticky keeps the entry active.
	assert.True(t, tr.Step("conv", "e", false, cfg))
	assert.True(t, tr.Step("conv", "e", false, cfg))
	assert.Equal(t, Active, tr.State("conv", "e"))

	// Turn 4: sticky exhausted and no match, entry enters cooldown.
	assert.False(t, tr.Step("conv", "e", false, cfg))
	assert.Equal(t, Cooling, tr.State("conv", "e"))

	// Turn 5: cooldown elapses; the match this turn is ignored while cooling.
	assert.False(t, tr.Step("conv", "e", true, cfg))
	assert.Equal(t, Idle, tr.State("conv", "e"))

	// Turn 6: eligible again.
	assert.True(t, tr.Step("conv", "e", true, cfg))
}

func TestStepMatchRefreshesSticky(t *testing.T) {
	tr := newTestTracker()
	cfg := entry.AdvancedActivation{Sticky: 1}

	assert.True(t, tr.Step("conv", "e", true, cfg))
	// A fresh match while active resets the window, so two non-matching
	// turns stay active afterwards only once each.
	assert.True(t, tr.Step("conv", "e", true, cfg))
	assert.True(t, tr.Step("conv", "e", false, cfg))
	assert.False(t, tr.Step("conv", "e", false, cfg))
	assert.Equal(t, Idle, tr.State("conv", "e"))
}

func TestStepDelayRequiresConsecutiveMatches(t *testing.T) {
	tr := newTestTracker()
	cfg := entry.AdvancedActivation{Delay: 3}

	assert.False(t, tr.Step("conv", "e", true, cfg))
	assert.Equal(t, Pending, tr.State("conv", "e"))
	assert.False(t, tr.Step("conv", "e", true, cfg))
	assert.True(t, tr.Step("conv", "e", true, cfg))
	assert.Equal(t, Active, tr.State("conv", "e"))
}

func TestStepDelayResetsOnLapse(t *testing.T) {
	tr := newTestTracker()
	cfg := entry.AdvancedActivation{Delay: 2}

	assert.False(t, tr.Step("conv", "e", true, cfg))
	// A non-matching turn resets the consecutive counter to zero.
	assert.False(t, tr.Step("conv", "e", false, cfg))
	assert.Equal(t, Idle, tr.State("conv", "e"))
	assert.False(t, tr.Step("conv", "e", true, cfg))
	assert.True(t, tr.Step("conv", "e", true, cfg))
}

func TestStepDelayOneActivatesImmediately(t *testing.T) {
	tr := newTestTracker()
	// delay 0 and delay 1 both take effect on the first matching turn.
	assert.True(t, tr.Step("conv", "a", true, entry.AdvancedActivation{Delay: 0}))
	assert.True(t, tr.Step("conv", "b", true, entry.AdvancedActivation{Delay: 1}))
}

func TestStepZeroCooldownSkipsCooling(t *testing.T) {
	tr := newTestTracker()
	cfg := entry.AdvancedActivation{Sticky: 0, Cooldown: 0}

	assert.True(t, tr.Step("conv", "e", true, cfg))
	assert.False(t, tr.Step("conv", "e", false, cfg))
	assert.Equal(t, Idle, tr.State("conv", "e"))
	// Eligible again on the very next turn.
	assert.True(t, tr.Step("conv", "e", true, cfg))
}

func TestStateIsolatedPerConversation(t *testing.T) {
	tr := newTestTracker()
	cfg := entry.AdvancedActivation{Cooldown: 2, Sticky: 0}

	assert.True(t, tr.Step("c1", "e", true, cfg))
	assert.False(t, tr.Step("c1", "e", false, cfg))
	assert.Equal(t, Cooling, tr.State("c1", "e"))

	// The same entry in another conversation is unaffected.
	assert.Equal(t, Idle, tr.State("c2", "e"))
	assert.True(t, tr.Step("c2", "e", true, cfg))
}

func TestForgetDropsState(t *testing.T) {
	tr := newTestTracker()
	cfg := entry.AdvancedActivation{Cooldown: 5, Sticky: 0}

	assert.True(t, tr.Step("conv", "e", true, cfg))
	assert.False(t, tr.Step("conv", "e", false, cfg))
	assert.Equal(t, Cooling, tr.State("conv", "e"))

	tr.Forget("conv")
	assert.Equal(t, Idle, tr.State("conv", "e"))
	assert.True(t, tr.Step("conv", "e", true, cfg))
}
