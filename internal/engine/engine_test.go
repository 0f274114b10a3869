package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daverage/loreweave/internal/actlog"
	"github.com/daverage/loreweave/internal/config"
	"github.com/daverage/loreweave/internal/entry"
	"github.com/daverage/loreweave/internal/match"
	"github.com/daverage/loreweave/internal/similarity"
	"github.com/daverage/loreweave/internal/storage"
	"github.com/daverage/loreweave/internal/tokens"
)

func testConfig() *config.Config {
	return &config.Config{
		DBPath:                   "unused",
		LogLevel:                 "info",
		ContextBudgetTokens:      100,
		DefaultScanDepth:         2,
		DefaultVectorThreshold:   0.75,
		DefaultMaxVectorResults:  5,
		SimilarityTimeoutSeconds: 5,
		KeywordWeight:            0.1,
		SimilarityWeight:         1.0,
		ImportanceWeight:         0.05,
		SummarizeThresholdTokens: 10000,
		StateIdleMinutes:         60,
		StateTableSize:           64,
		LogBufferSize:            64,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) (*Engine, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	index, err := similarity.NewIndex(similarity.HashEmbedding(64))
	require.NoError(t, err)

	opts = append([]Option{WithCounter(tokens.NewHeuristicCounter())}, opts...)
	e := New(cfg, db, index, zap.NewNop(), opts...)
	t.Cleanup(e.Close)
	return e, db
}

func keywordEntry(id, keyword string, cost int) *entry.KnowledgeEntry {
	return &entry.KnowledgeEntry{
		ID:      id,
		UserID:  "user-1",
		Content: "lore about " + keyword,
		Tokens:  cost,
		Activation: entry.ActivationSettings{
			Mode:            entry.ModeKeyword,
			PrimaryKeywords: []string{keyword},
			ScanDepth:       2,
		},
		Positioning: entry.Positioning{Position: entry.PositionAfterSystem, Role: entry.RoleSystem},
	}
}

func userTurn(conv string, index int, text string) TurnInput {
	return TurnInput{
		ConversationID: conv,
		UserID:         "user-1",
		MessageIndex:   index,
		Role:           entry.RoleUser,
		Text:           text,
	}
}

func TestProcessTurnKeywordActivation(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	require.NoError(t, e.CreateEntry(ctx, keywordEntry("dragon", "dragon", 30)))
	require.NoError(t, e.CreateEntry(ctx, keywordEntry("harbor", "harbor", 30)))

	res, err := e.ProcessTurn(ctx, userTurn("conv-1", 1, "tell me about the dragon"))
	require.NoError(t, err)

	require.Len(t, res.Assembly.Blocks, 1)
	assert.Equal(t, "dragon", res.Assembly.Blocks[0].EntryID)
	assert.Equal(t, 30, res.Assembly.TotalTokens)
	assert.Positive(t, res.Conversation.TotalTokens)
}

func TestProcessTurnBudgetBound(t *testing.T) {
	cfg := testConfig()
	cfg.ContextBudgetTokens = 50
	e, db := newTestEngine(t, cfg)
	ctx := context.Background()

	a := keywordEntry("a", "dragon", 30)
	a.Importance = 9
	b := keywordEntry("b", "dragon", 30)
	require.NoError(t, e.CreateEntry(ctx, a))
	require.NoError(t, e.CreateEntry(ctx, b))

	res, err := e.ProcessTurn(ctx, userTurn("conv-1", 1, "the dragon"))
	require.NoError(t, err)

	// Only the higher-ranked entry fits the 50 token budget.
	require.Len(t, res.Assembly.Blocks, 1)
	assert.Equal(t, "a", res.Assembly.Blocks[0].EntryID)

	// The exclusion is recorded in the activation log.
	e.Close()
	sink := actlog.NewSQLiteSink(db)
	logged, err := sink.Recent(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, logged, 2)

	byID := map[string]actlog.Entry{logged[0].EntryID: logged[0], logged[1].EntryID: logged[1]}
	assert.True(t, byID["a"].Included)
	assert.False(t, byID["b"].Included)
	assert.Equal(t, actlog.ReasonBudgetExhausted, byID["b"].ExclusionReason)
}

func TestProcessTurnIgnoreBudgetOverride(t *testing.T) {
	cfg := testConfig()
	cfg.ContextBudgetTokens = 40
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	pinned := keywordEntry("pinned", "dragon", 100)
	pinned.Budget.IgnoreBudget = true
	require.NoError(t, e.CreateEntry(ctx, pinned))

	res, err := e.ProcessTurn(ctx, userTurn("conv-1", 1, "the dragon"))
	require.NoError(t, err)

	require.Len(t, res.Assembly.Blocks, 1)
	assert.Equal(t, 100, res.Assembly.TotalTokens)
}

func TestProcessTurnStickyAcrossTurns(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	sticky := keywordEntry("sticky", "dragon", 10)
	sticky.Advanced = entry.AdvancedActivation{Sticky: 1}
	require.NoError(t, e.CreateEntry(ctx, sticky))

	res, err := e.ProcessTurn(ctx, userTurn("conv-1", 1, "the dragon appears"))
	require.NoError(t, err)
	require.Len(t, res.Assembly.Blocks, 1)

	// No match this turn, but the sticky window holds the entry active.
	res, err = e.ProcessTurn(ctx, userTurn("conv-1", 2, "completely unrelated"))
	require.NoError(t, err)
	require.Len(t, res.Assembly.Blocks, 1)

	res, err = e.ProcessTurn(ctx, userTurn("conv-1", 3, "still unrelated"))
	require.NoError(t, err)
	assert.Empty(t, res.Assembly.Blocks)
}

func TestProcessTurnBotFiltering(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	scoped := keywordEntry("scoped", "dragon", 10)
	scoped.Filtering.AllowBots = []string{"bot-a"}
	require.NoError(t, e.CreateEntry(ctx, scoped))

	in := userTurn("conv-1", 1, "the dragon")
	in.BotID = "bot-a"
	res, err := e.ProcessTurn(ctx, in)
	require.NoError(t, err)
	assert.Len(t, res.Assembly.Blocks, 1)

	out := userTurn("conv-1", 2, "the dragon")
	out.BotID = "bot-b"
	res, err = e.ProcessTurn(ctx, out)
	require.NoError(t, err)
	assert.Empty(t, res.Assembly.Blocks)
}

func TestProcessTurnVectorizedMemoryCandidate(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	m := &entry.Memory{
		UserID:         "user-1",
		ConversationID: "conv-0",
		Content:        "the user keeps a lighthouse on the northern coast",
		Importance:     8,
	}
	require.NoError(t, e.RecordMemory(ctx, m))
	require.NoError(t, e.Entries().SetMemoryType(ctx, m.ID, entry.LongTerm))
	require.NoError(t, e.VectorizeMemory(ctx, m.ID))

	// Querying with the memory's own text yields a near-perfect similarity.
	res, err := e.ProcessTurn(ctx, userTurn("conv-1", 1,
		"the user keeps a lighthouse on the northern coast"))
	require.NoError(t, err)

	require.Len(t, res.Assembly.Blocks, 1)
	assert.Equal(t, m.ID, res.Assembly.Blocks[0].EntryID)
	assert.False(t, res.Degraded)
}

func TestProcessTurnTriggersConsolidation(t *testing.T) {
	cfg := testConfig()
	cfg.SummarizeThresholdTokens = 10
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	m := &entry.Memory{
		UserID:         "user-1",
		ConversationID: "conv-1",
		MessageIndex:   1,
		Content:        "the user dislikes storms",
	}
	require.NoError(t, e.RecordMemory(ctx, m))

	// First turn crosses the threshold; the flag is set after AddTokens and
	// consolidation runs on the next turn's check... the same turn already
	// sees the flag because RecordTurn runs before the consolidation check.
	res, err := e.ProcessTurn(ctx, userTurn("conv-1", 2,
		"a long turn that comfortably crosses the ten token threshold for this test"))
	require.NoError(t, err)

	require.NotNil(t, res.Consolidated)
	assert.Equal(t, entry.Consolidated, res.Consolidated.Type)
	assert.False(t, res.Conversation.RequiresSummarization)
	assert.Zero(t, res.Conversation.UnsummarizedTokens)
}

func TestProcessTurnDeterministic(t *testing.T) {
	run := func() []string {
		e, _ := newTestEngine(t, testConfig())
		ctx := context.Background()

		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, e.CreateEntry(ctx, keywordEntry(id, "dragon", 10)))
		}
		res, err := e.ProcessTurn(ctx, userTurn("conv-1", 1, "the dragon"))
		require.NoError(t, err)

		var ids []string
		for _, b := range res.Assembly.Blocks {
			ids = append(ids, b.EntryID)
		}
		return ids
	}

	first := run()
	require.Len(t, first, 3)
	assert.Equal(t, first, run())
}

func TestProcessTurnRecordsPersonaSwitch(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	in := userTurn("conv-1", 3, "hello")
	in.PersonaID = "wizard"
	in.PrevPersonaID = "narrator"
	_, err := e.ProcessTurn(ctx, in)
	require.NoError(t, err)

	events, err := e.Conversations().ParticipantEvents(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "narrator", events[0].FromPersona)
	assert.Equal(t, "wizard", events[0].ToPersona)
	assert.Equal(t, 3, events[0].MessageIndex)
}

func TestConvertMemoryToLoreIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	m := &entry.Memory{UserID: "user-1", ConversationID: "conv-1",
		Content: "the harbor master owes a favor"}
	require.NoError(t, e.RecordMemory(ctx, m))

	first, err := e.ConvertMemoryToLore(ctx, m.ID)
	require.NoError(t, err)
	second, err := e.ConvertMemoryToLore(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestProcessTurnConcurrentConversations(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	require.NoError(t, e.CreateEntry(ctx, keywordEntry("dragon", "dragon", 10)))

	done := make(chan error, 2)
	for _, conv := range []string{"conv-1", "conv-2"} {
		conv := conv
		go func() {
			var err error
			for i := 1; i <= 10 && err == nil; i++ {
				_, err = e.ProcessTurn(ctx, userTurn(conv, i, "the dragon"))
			}
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Fatal("turn processing deadlocked")
		}
	}
}

func TestProcessTurnScanDepthFromHistory(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	require.NoError(t, e.CreateEntry(ctx, keywordEntry("dragon", "dragon", 10)))

	in := userTurn("conv-1", 2, "what was that again")
	in.History = []match.Turn{{Role: entry.RoleUser, Text: "tell me about the dragon"}}
	res, err := e.ProcessTurn(ctx, in)
	require.NoError(t, err)
	assert.Len(t, res.Assembly.Blocks, 1)
}
