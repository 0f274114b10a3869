package actlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daverage/loreweave/internal/storage"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteSink(db)
}

func TestSinkAppendAndRecent(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	sim := 0.87
	included := New("conv-1", 1, "entry-a")
	included.Method = "vector"
	included.Score = 0.87
	included.Similarity = &sim
	included.Position = "after_system"
	included.Tokens = 42
	included.Included = true

	excluded := New("conv-1", 1, "entry-b")
	excluded.Method = "keyword"
	excluded.ExclusionReason = ReasonBudgetExhausted

	require.NoError(t, sink.Append(ctx, []Entry{included, excluded}))

	got, err := sink.Recent(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]Entry{got[0].EntryID: got[0], got[1].EntryID: got[1]}

	a := byID["entry-a"]
	assert.True(t, a.Included)
	assert.Equal(t, "vector", a.Method)
	require.NotNil(t, a.Similarity)
	assert.InDelta(t, 0.87, *a.Similarity, 1e-9)
	assert.Equal(t, 42, a.Tokens)

	b := byID["entry-b"]
	assert.False(t, b.Included)
	assert.Nil(t, b.Similarity)
	assert.Equal(t, ReasonBudgetExhausted, b.ExclusionReason)
}

func TestRecentScopedToConversation(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, []Entry{New("conv-1", 1, "e1")}))
	require.NoError(t, sink.Append(ctx, []Entry{New("conv-2", 1, "e2")}))

	got, err := sink.Recent(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].EntryID)
}

// memSink collects appended batches for writer tests.
type memSink struct {
	mu      sync.Mutex
	batches [][]Entry
	fail    bool
}

func (s *memSink) Append(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.batches = append(s.batches, entries)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestWriterFlushesOnClose(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, 8, zap.NewNop())

	w.Enqueue([]Entry{New("conv-1", 1, "a")})
	w.Enqueue([]Entry{New("conv-1", 2, "b")})
	w.Close()

	require.Equal(t, 2, sink.count())
	// Per-conversation order is preserved by the single consumer.
	assert.Equal(t, 1, sink.batches[0][0].MessageIndex)
	assert.Equal(t, 2, sink.batches[1][0].MessageIndex)
}

func TestWriterDropsEmptyBatches(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, 8, zap.NewNop())

	w.Enqueue(nil)
	w.Close()
	assert.Zero(t, sink.count())
}

func TestWriterNeverBlocksOnFailingSink(t *testing.T) {
	sink := &memSink{fail: true}
	w := NewWriter(sink, 2, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Enqueue([]Entry{New("conv-1", 1, "a")})
		w.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("writer blocked on failing sink")
	}
	assert.Zero(t, sink.count())
}
