// Package engine wires the per-turn pipeline together: candidate gathering,
// matching, activation state, scoring, budget allocation, assembly,
// bookkeeping and activation logging.
package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/daverage/loreweave/internal/actlog"
	"github.com/daverage/loreweave/internal/activation"
	"github.com/daverage/loreweave/internal/assemble"
	"github.com/daverage/loreweave/internal/budget"
	"github.com/daverage/loreweave/internal/config"
	"github.com/daverage/loreweave/internal/conversation"
	"github.com/daverage/loreweave/internal/entry"
	"github.com/daverage/loreweave/internal/lifecycle"
	"github.com/daverage/loreweave/internal/match"
	"github.com/daverage/loreweave/internal/score"
	"github.com/daverage/loreweave/internal/similarity"
	"github.com/daverage/loreweave/internal/storage"
	"github.com/daverage/loreweave/internal/tokens"
)

// TurnInput is one conversation turn to process.
type TurnInput struct {
	ConversationID string
	UserID         string
	MessageIndex   int
	Role           entry.Role
	Text           string
	// History is the trailing conversation window, oldest first, excluding
	// the current turn. Only the deepest configured scan depth is read.
	History []match.Turn

	BotID     string
	PersonaID string
	// PrevPersonaID, when different from PersonaID, records a persona
	// switch in the participant log.
	PrevPersonaID string

	BotDescription     string
	PersonaDescription string
}

// TurnResult is everything a caller gets back from one processed turn.
type TurnResult struct {
	Assembly     assemble.Assembly
	Conversation *conversation.Conversation
	// Consolidated is the memory created when this turn triggered a
	// consolidation, nil otherwise.
	Consolidated *entry.Memory
	// Degraded reports that at least one vector or hybrid candidate fell
	// back to keyword-only matching this turn.
	Degraded bool
}

// Engine is the turn-processing front door. Turns within one conversation are
// serialized; different conversations proceed concurrently.
type Engine struct {
	cfg     *config.Config
	entries *entry.Store
	convs   *conversation.Store
	matcher *match.Matcher
	tracker *activation.Tracker
	life    *lifecycle.Manager
	counter *tokens.Counter
	index   *similarity.Index
	writer  *actlog.Writer
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures the engine.
type Option func(*options)

type options struct {
	summarizer lifecycle.Summarizer
	matchOpts  []match.Option
	counter    *tokens.Counter
}

// WithSummarizer replaces the default consolidation summarizer.
func WithSummarizer(s lifecycle.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithMatchOptions forwards options to the matcher, e.g. a deterministic
// probability roll in tests.
func WithMatchOptions(opts ...match.Option) Option {
	return func(o *options) { o.matchOpts = append(o.matchOpts, opts...) }
}

// WithCounter replaces the token counter.
func WithCounter(c *tokens.Counter) Option {
	return func(o *options) { o.counter = c }
}

// New assembles an engine over an open database. index may be nil, in which
// case vector and hybrid entries run permanently degraded.
func New(cfg *config.Config, db *storage.DB, index *similarity.Index, logger *zap.Logger, opts ...Option) *Engine {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.counter == nil {
		o.counter = tokens.NewCounter()
	}

	var searcher match.Searcher
	if index != nil {
		searcher = index
	}

	entries := entry.NewStore(db, logger)
	convs := conversation.NewStore(db)

	return &Engine{
		cfg:     cfg,
		entries: entries,
		convs:   convs,
		matcher: match.NewMatcher(searcher, cfg.SimilarityTimeout(), logger, o.matchOpts...),
		tracker: activation.NewTracker(cfg.StateTableSize, cfg.StateIdleTTL()),
		life: lifecycle.NewManager(entries, convs, o.counter, o.summarizer,
			cfg.SummarizeThresholdTokens, logger),
		counter: o.counter,
		index:   index,
		writer:  actlog.NewWriter(actlog.NewSQLiteSink(db), cfg.LogBufferSize, logger),
		logger:  logger,
	}
}

// Entries exposes the entry store for callers that manage content directly.
func (e *Engine) Entries() *entry.Store { return e.entries }

// Conversations exposes the conversation store.
func (e *Engine) Conversations() *conversation.Store { return e.convs }

// Lifecycle exposes the memory lifecycle manager.
func (e *Engine) Lifecycle() *lifecycle.Manager { return e.life }

// ProcessTurn runs the full activation pipeline for one turn. Identical
// inputs and state always yield an identical assembly.
func (e *Engine) ProcessTurn(ctx context.Context, input TurnInput) (*TurnResult, error) {
	candidates, err := e.gatherCandidates(ctx, input)
	if err != nil {
		return nil, err
	}

	// Matching, including the similarity lookup, happens before the
	// conversation lock is taken so a slow embedding service never blocks
	// other turns in the same conversation.
	current := match.Turn{Role: input.Role, Text: input.Text}
	desc := match.Descriptions{Bot: input.BotDescription, Persona: input.PersonaDescription}
	signals := e.matcher.EvaluateAll(ctx, current, input.History, desc, candidates)

	unlock := e.lockConversation(input.ConversationID)
	defer unlock()

	conv, err := e.life.RecordTurn(ctx, input.ConversationID, input.Text)
	if err != nil {
		return nil, err
	}

	if input.PrevPersonaID != "" && input.PrevPersonaID != input.PersonaID {
		if err := e.convs.RecordPersonaSwitch(ctx, input.ConversationID,
			input.MessageIndex, input.PrevPersonaID, input.PersonaID); err != nil {
			e.logger.Warn("failed to record persona switch",
				zap.String("conversation_id", input.ConversationID), zap.Error(err))
		}
	}

	// Consolidation failure is logged but never fails the turn; the flag
	// stays set and the next turn retries.
	consolidated, err := e.life.ConsolidateIfRequired(ctx, input.ConversationID)
	if err != nil {
		e.logger.Warn("consolidation failed",
			zap.String("conversation_id", input.ConversationID), zap.Error(err))
	} else if consolidated != nil {
		if fresh, err := e.convs.Get(ctx, input.ConversationID); err == nil {
			conv = fresh
		}
	}

	// Advance the state machine for every candidate, matched or not; sticky
	// and cooldown counters elapse in turns, not matches.
	var active []score.Candidate
	degraded := false
	logEntries := make([]actlog.Entry, 0, len(candidates))
	pendingLog := make(map[string]int, len(candidates))

	for _, c := range candidates {
		sig := signals[c.ID]
		if sig.Degraded {
			degraded = true
		}

		isActive := e.tracker.Step(input.ConversationID, c.ID, sig.Matched, c.Advanced)

		le := actlog.New(input.ConversationID, input.MessageIndex, c.ID)
		le.Method = string(sig.Method)
		le.Position = string(resolvedPosition(c))
		le.Tokens = c.Tokens
		if sig.Method == match.MethodVector || sig.Method == match.MethodBoth || sig.Similarity > 0 {
			sim := sig.Similarity
			le.Similarity = &sim
		}

		if isActive {
			active = append(active, score.Candidate{Entry: c, Signal: sig})
			// Inclusion and score are filled in after allocation.
			pendingLog[c.ID] = len(logEntries)
		} else {
			le.ExclusionReason = exclusionReason(sig, e.tracker.State(input.ConversationID, c.ID))
		}
		logEntries = append(logEntries, le)
	}

	weights := score.Weights{
		Similarity: e.cfg.SimilarityWeight,
		Keyword:    e.cfg.KeywordWeight,
		Importance: e.cfg.ImportanceWeight,
	}
	ranked := score.Rank(active, weights)
	decisions, _ := budget.Allocate(ranked, e.cfg.ContextBudgetTokens)
	assembly := assemble.Build(decisions)

	for _, d := range decisions {
		idx, ok := pendingLog[d.Entry.ID]
		if !ok {
			continue
		}
		logEntries[idx].Score = d.Score
		logEntries[idx].Included = d.Included
		logEntries[idx].Tokens = d.TokenCost
		logEntries[idx].ExclusionReason = string(d.Reason)
	}

	e.writer.Enqueue(logEntries)

	return &TurnResult{
		Assembly:     assembly,
		Conversation: conv,
		Consolidated: consolidated,
		Degraded:     degraded,
	}, nil
}

// gatherCandidates loads the user's knowledge entries plus eligible memories
// projected into entry form, filtered for the active bot and persona.
func (e *Engine) gatherCandidates(ctx context.Context, input TurnInput) ([]*entry.KnowledgeEntry, error) {
	entries, err := e.entries.ListEntries(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	memories, err := e.entries.ListEligibleMemories(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	candidates := make([]*entry.KnowledgeEntry, 0, len(entries)+len(memories))
	for _, c := range entries {
		if c.Filtering.Allows(input.BotID, input.PersonaID) {
			candidates = append(candidates, c)
		}
	}
	for _, m := range memories {
		c := m.AsEntry(e.cfg.DefaultVectorThreshold, e.cfg.DefaultMaxVectorResults)
		if c.Filtering.Allows(input.BotID, input.PersonaID) {
			candidates = append(candidates, c)
		}
	}
	return candidates, nil
}

// CreateEntry validates, stores and (for vector-capable entries) indexes a
// knowledge entry. A zero token count is filled in from the counter.
func (e *Engine) CreateEntry(ctx context.Context, k *entry.KnowledgeEntry) error {
	if k.Tokens == 0 {
		k.Tokens = e.counter.Count(k.Content)
	}
	if k.Activation.ScanDepth == 0 {
		k.Activation.ScanDepth = e.cfg.DefaultScanDepth
	}
	if err := e.entries.CreateEntry(ctx, k); err != nil {
		return err
	}
	return e.indexIfVectorCapable(ctx, k)
}

// RecordMemory stores a new memory, defaulting the token count.
func (e *Engine) RecordMemory(ctx context.Context, m *entry.Memory) error {
	if m.Tokens == 0 {
		m.Tokens = e.counter.Count(m.Content)
	}
	return e.entries.CreateMemory(ctx, m)
}

// VectorizeMemory embeds a memory's content and flags it eligible for vector
// matching.
func (e *Engine) VectorizeMemory(ctx context.Context, memoryID string) error {
	m, err := e.entries.GetMemory(ctx, memoryID)
	if err != nil {
		return err
	}
	if e.index != nil {
		if err := e.index.Add(ctx, m.ID, m.Content); err != nil {
			return err
		}
	}
	return e.entries.SetVectorized(ctx, memoryID, true)
}

// ConvertMemoryToLore converts a memory into a permanent knowledge entry and
// indexes the new entry. Idempotent; repeat calls return the existing entry.
func (e *Engine) ConvertMemoryToLore(ctx context.Context, memoryID string) (*entry.KnowledgeEntry, error) {
	k, err := e.life.ConvertToLore(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if err := e.indexIfVectorCapable(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// Close flushes the activation log writer.
func (e *Engine) Close() {
	e.writer.Close()
}

func (e *Engine) indexIfVectorCapable(ctx context.Context, k *entry.KnowledgeEntry) error {
	if e.index == nil {
		return nil
	}
	if k.Activation.Mode != entry.ModeVector && k.Activation.Mode != entry.ModeHybrid {
		return nil
	}
	return e.index.Add(ctx, k.ID, k.Content)
}

// lockConversation serializes turn processing per conversation.
func (e *Engine) lockConversation(id string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// exclusionReason maps a non-active candidate's signal and state to the
// logged reason.
func exclusionReason(sig match.Signal, state activation.State) string {
	switch {
	case sig.Gated:
		return actlog.ReasonProbabilityGated
	case state == activation.Pending:
		return actlog.ReasonDelayPending
	case state == activation.Cooling:
		return actlog.ReasonCooling
	default:
		return actlog.ReasonNoMatch
	}
}

func resolvedPosition(k *entry.KnowledgeEntry) entry.Position {
	if k.Positioning.Position == "" {
		return entry.PositionAfterSystem
	}
	return k.Positioning.Position
}
