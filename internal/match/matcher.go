package match

import (
	"context"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/loreweave/internal/entry"
)

// Method identifies which strategy produced a match.
type Method string

const (
	MethodKeyword Method = "keyword"
	MethodVector  Method = "vector"
	// MethodBoth is reported by hybrid entries when both sub-modes fired.
	MethodBoth Method = "both"
	MethodNone Method = "none"
)

// Turn is one conversation message as seen by the matcher.
type Turn struct {
	Role entry.Role `json:"role"`
	Text string     `json:"text"`
}

// Signal is the outcome of evaluating one entry against one turn.
type Signal struct {
	Matched    bool
	Method     Method
	Similarity float64
	Keywords   []string
	// Gated is true when the entry matched but was suppressed by its
	// activation probability roll.
	Gated bool
	// Degraded is true when a vector or hybrid entry fell back to
	// keyword-only evaluation because the similarity service failed.
	Degraded bool
}

// Hit is one similarity result from the external embedding collaborator.
type Hit struct {
	EntryID    string
	Similarity float64
}

// Searcher is the narrow interface to the embedding/similarity service.
// Absence of a response is a degraded-mode signal, not an engine error.
type Searcher interface {
	Similar(ctx context.Context, text string, candidateIDs []string, threshold float64, maxResults int) ([]Hit, error)
}

// Matcher evaluates candidate entries against a conversation turn.
type Matcher struct {
	searcher Searcher
	timeout  time.Duration
	logger   *zap.Logger

	// roll returns a value in [0,100) for probability gating. Injectable
	// for deterministic tests.
	roll func() int

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithRoll overrides the probability gate's random source.
func WithRoll(roll func() int) Option {
	return func(m *Matcher) { m.roll = roll }
}

// NewMatcher creates a matcher. searcher may be nil, in which case vector and
// hybrid entries evaluate in permanently degraded (keyword-only) mode.
func NewMatcher(searcher Searcher, timeout time.Duration, logger *zap.Logger, opts ...Option) *Matcher {
	m := &Matcher{
		searcher:   searcher,
		timeout:    timeout,
		logger:     logger,
		roll:       func() int { return rand.Intn(100) },
		regexCache: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Descriptions carries the static bot and persona descriptions for entries
// that opt into matching against them.
type Descriptions struct {
	Bot     string
	Persona string
}

// EvaluateAll evaluates every candidate against the current turn and its
// trailing history, returning a signal per entry ID. The similarity service
// is consulted at most once per turn, with a bounded timeout; its failure
// degrades vector and hybrid entries to keyword-only for this turn.
func (m *Matcher) EvaluateAll(ctx context.Context, current Turn, history []Turn, desc Descriptions, candidates []*entry.KnowledgeEntry) map[string]Signal {
	hits, ranks, degraded := m.similarityLookup(ctx, current.Text, candidates)

	signals := make(map[string]Signal, len(candidates))
	for _, e := range candidates {
		sig := m.evaluate(current, history, e, hits, ranks, degraded)
		if !sig.Matched {
			if dsig, ok := m.matchDescriptions(e, desc); ok {
				dsig.Degraded = sig.Degraded
				sig = dsig
			}
		}
		if sig.Matched && e.Activation.UseProbability {
			// One roll per match event, not per candidate scan.
			if m.roll() >= e.Activation.Probability {
				sig.Matched = false
				sig.Gated = true
			}
		}
		signals[e.ID] = sig
	}
	return signals
}

// similarityLookup issues the single per-turn call to the similarity service
// covering all vector-capable candidates. Returns the per-entry similarity,
// the per-entry rank among returned hits, and whether lookup degraded.
func (m *Matcher) similarityLookup(ctx context.Context, text string, candidates []*entry.KnowledgeEntry) (map[string]float64, map[string]int, bool) {
	var ids []string
	minThreshold := 1.0
	maxResults := 0
	for _, e := range candidates {
		if e.Activation.Mode != entry.ModeVector && e.Activation.Mode != entry.ModeHybrid {
			continue
		}
		ids = append(ids, e.ID)
		if e.Activation.VectorThreshold < minThreshold {
			minThreshold = e.Activation.VectorThreshold
		}
		if e.Activation.MaxVectorResults > maxResults {
			maxResults = e.Activation.MaxVectorResults
		}
	}
	if len(ids) == 0 || m.searcher == nil {
		return nil, nil, m.searcher == nil && len(ids) > 0
	}
	if maxResults <= 0 {
		maxResults = len(ids)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	hits, err := m.searcher.Similar(lookupCtx, text, ids, minThreshold, maxResults)
	if err != nil {
		m.logger.Warn("similarity lookup failed, degrading to keyword-only for this turn",
			zap.Int("candidates", len(ids)), zap.Error(err))
		return nil, nil, true
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity == hits[j].Similarity {
			return hits[i].EntryID < hits[j].EntryID
		}
		return hits[i].Similarity > hits[j].Similarity
	})

	sims := make(map[string]float64, len(hits))
	ranks := make(map[string]int, len(hits))
	for i, h := range hits {
		sims[h.EntryID] = h.Similarity
		ranks[h.EntryID] = i + 1
	}
	return sims, ranks, false
}

func (m *Matcher) evaluate(current Turn, history []Turn, e *entry.KnowledgeEntry, sims map[string]float64, ranks map[string]int, degraded bool) Signal {
	settings := e.Activation

	var keywordSig Signal
	if settings.Mode == entry.ModeKeyword || settings.Mode == entry.ModeHybrid || degraded {
		keywordSig = m.evaluateKeywords(current, history, e)
	}

	var vectorSig Signal
	if (settings.Mode == entry.ModeVector || settings.Mode == entry.ModeHybrid) && !degraded {
		vectorSig = evaluateVector(e, sims, ranks)
	}

	switch settings.Mode {
	case entry.ModeKeyword:
		return keywordSig
	case entry.ModeVector:
		if degraded {
			keywordSig.Degraded = true
			return keywordSig
		}
		return vectorSig
	case entry.ModeHybrid:
		if degraded {
			keywordSig.Degraded = true
			return keywordSig
		}
		return mergeHybrid(keywordSig, vectorSig)
	default:
		return Signal{Method: MethodNone}
	}
}

func mergeHybrid(keyword, vector Signal) Signal {
	switch {
	case keyword.Matched && vector.Matched:
		return Signal{
			Matched:    true,
			Method:     MethodBoth,
			Similarity: vector.Similarity,
			Keywords:   keyword.Keywords,
		}
	case vector.Matched:
		return vector
	case keyword.Matched:
		return keyword
	default:
		// Keep the similarity for logging even on a miss.
		return Signal{Method: MethodNone, Similarity: vector.Similarity}
	}
}

func evaluateVector(e *entry.KnowledgeEntry, sims map[string]float64, ranks map[string]int) Signal {
	sim, ok := sims[e.ID]
	if !ok {
		return Signal{Method: MethodNone}
	}
	if sim < e.Activation.VectorThreshold {
		return Signal{Method: MethodNone, Similarity: sim}
	}
	if e.Activation.MaxVectorResults > 0 && ranks[e.ID] > e.Activation.MaxVectorResults {
		return Signal{Method: MethodNone, Similarity: sim}
	}
	return Signal{Matched: true, Method: MethodVector, Similarity: sim}
}

// matchDescriptions evaluates an entry's keywords against the static bot and
// persona descriptions when the entry opts in. Scan depth and role filters do
// not apply to descriptions.
func (m *Matcher) matchDescriptions(e *entry.KnowledgeEntry, desc Descriptions) (Signal, bool) {
	var parts []string
	if e.Filtering.MatchBotDescription && desc.Bot != "" {
		parts = append(parts, desc.Bot)
	}
	if e.Filtering.MatchPersonaDescription && desc.Persona != "" {
		parts = append(parts, desc.Persona)
	}
	if len(parts) == 0 {
		return Signal{}, false
	}
	sig := m.keywordSignal(strings.Join(parts, "\n"), e)
	return sig, sig.Matched
}

// evaluateKeywords matches an entry's keyword sets against the scan window.
func (m *Matcher) evaluateKeywords(current Turn, history []Turn, e *entry.KnowledgeEntry) Signal {
	text := m.scanWindow(current, history, e.Activation)
	return m.keywordSignal(text, e)
}

// keywordSignal applies the entry's keyword sets and combination rule to one
// block of text.
func (m *Matcher) keywordSignal(text string, e *entry.KnowledgeEntry) Signal {
	settings := e.Activation
	if len(settings.PrimaryKeywords) == 0 && len(settings.SecondaryKeywords) == 0 {
		return Signal{Method: MethodNone}
	}
	if text == "" {
		return Signal{Method: MethodNone}
	}

	var matched []string
	primaryHits := 0
	for _, kw := range settings.PrimaryKeywords {
		if m.matchKeyword(text, kw, settings, e.ID) {
			primaryHits++
			matched = append(matched, kw)
		}
	}
	secondaryHits := 0
	for _, kw := range settings.SecondaryKeywords {
		if m.matchKeyword(text, kw, settings, e.ID) {
			secondaryHits++
			matched = append(matched, kw)
		}
	}

	rule := settings.Combination
	if rule == "" {
		rule = entry.CombineAndAny
	}

	allPrimary := primaryHits == len(settings.PrimaryKeywords) && len(settings.PrimaryKeywords) > 0
	var ok bool
	switch rule {
	case entry.CombineAndAny:
		ok = allPrimary && (len(settings.SecondaryKeywords) == 0 || secondaryHits > 0)
	case entry.CombineAndAll:
		ok = allPrimary && secondaryHits == len(settings.SecondaryKeywords)
	case entry.CombineAny:
		ok = primaryHits > 0 || secondaryHits > 0
	case entry.CombineNotAny:
		ok = allPrimary && secondaryHits == 0
	case entry.CombineNotAll:
		ok = allPrimary && (len(settings.SecondaryKeywords) == 0 || secondaryHits < len(settings.SecondaryKeywords))
	default:
		ok = false
	}

	if !ok {
		return Signal{Method: MethodNone}
	}
	return Signal{Matched: true, Method: MethodKeyword, Keywords: matched}
}

// scanWindow joins the current turn with the last scan_depth history turns,
// keeping only turns whose role the entry scans. An empty role list scans
// every role.
func (m *Matcher) scanWindow(current Turn, history []Turn, settings entry.ActivationSettings) string {
	roleAllowed := func(r entry.Role) bool {
		if len(settings.ScanRoles) == 0 {
			return true
		}
		for _, allowed := range settings.ScanRoles {
			if allowed == r {
				return true
			}
		}
		return false
	}

	var parts []string
	depth := settings.ScanDepth
	if depth > len(history) {
		depth = len(history)
	}
	for _, t := range history[len(history)-depth:] {
		if roleAllowed(t.Role) {
			parts = append(parts, t.Text)
		}
	}
	if roleAllowed(current.Role) {
		parts = append(parts, current.Text)
	}
	return strings.Join(parts, "\n")
}

func (m *Matcher) matchKeyword(text, keyword string, settings entry.ActivationSettings, entryID string) bool {
	if keyword == "" {
		return false
	}

	if settings.UseRegex || settings.MatchWholeWords {
		pattern := keyword
		if !settings.UseRegex {
			pattern = regexp.QuoteMeta(keyword)
		}
		if settings.MatchWholeWords {
			pattern = `\b(?:` + pattern + `)\b`
		}
		if !settings.CaseSensitive {
			pattern = `(?i)` + pattern
		}
		re, err := m.compile(pattern)
		if err != nil {
			// A bad pattern means the keyword never matches; the anomaly
			// is logged rather than failing the turn.
			m.logger.Warn("invalid keyword pattern",
				zap.String("entry_id", entryID), zap.String("keyword", keyword), zap.Error(err))
			return false
		}
		return re.MatchString(text)
	}

	if settings.CaseSensitive {
		return strings.Contains(text, keyword)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	m.regexMu.Lock()
	defer m.regexMu.Unlock()
	if re, ok := m.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.regexCache[pattern] = re
	return re, nil
}
