package conversation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daverage/loreweave/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestGetOrCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.GetOrCreate(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", c.ID)
	assert.Zero(t, c.TotalTokens)
	assert.Equal(t, -1, c.LastSummarizedMessageIndex)
	assert.False(t, c.RequiresSummarization)

	// Second call returns the same row.
	again, err := s.GetOrCreate(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, c.CreatedAt, again.CreatedAt)
}

func TestAddTokensSetsFlagAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "conv-1")
	require.NoError(t, err)

	c, err := s.AddTokens(ctx, "conv-1", 60, 100)
	require.NoError(t, err)
	assert.Equal(t, 60, c.TotalTokens)
	assert.Equal(t, 60, c.UnsummarizedTokens)
	assert.False(t, c.RequiresSummarization)

	c, err = s.AddTokens(ctx, "conv-1", 40, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, c.UnsummarizedTokens)
	assert.True(t, c.RequiresSummarization)
}

func TestAddTokensRejectsNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.AddTokens(ctx, "conv-1", -5, 100)
	assert.Error(t, err)
}

func TestCompleteSummarization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.AddTokens(ctx, "conv-1", 150, 100)
	require.NoError(t, err)

	require.NoError(t, s.CompleteSummarization(ctx, "conv-1", 12))

	c, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, c.RequiresSummarization)
	assert.Zero(t, c.UnsummarizedTokens)
	// The historical total never decreases.
	assert.Equal(t, 150, c.TotalTokens)
	assert.Equal(t, 12, c.LastSummarizedMessageIndex)
	assert.NotNil(t, c.LastSummarizedAt)

	// New tokens after consolidation count from zero again.
	c, err = s.AddTokens(ctx, "conv-1", 50, 100)
	require.NoError(t, err)
	assert.Equal(t, 200, c.TotalTokens)
	assert.Equal(t, 50, c.UnsummarizedTokens)
	assert.False(t, c.RequiresSummarization)
}

func TestCompleteSummarizationUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	err := s.CompleteSummarization(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParticipantEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "conv-1")
	require.NoError(t, err)

	require.NoError(t, s.RecordPersonaSwitch(ctx, "conv-1", 4, "narrator", "wizard"))
	require.NoError(t, s.RecordPersonaSwitch(ctx, "conv-1", 9, "wizard", "narrator"))

	events, err := s.ParticipantEvents(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 4, events[0].MessageIndex)
	assert.Equal(t, "wizard", events[0].ToPersona)
	assert.Equal(t, 9, events[1].MessageIndex)
}
