package entry

import (
	"fmt"
	"time"
)

// ActivationMode selects how an entry is matched against conversation turns.
type ActivationMode string

const (
	ModeKeyword ActivationMode = "keyword"
	ModeVector  ActivationMode = "vector"
	ModeHybrid  ActivationMode = "hybrid"
)

// CombinationRule controls how primary and secondary keywords combine.
// Rules are explicit, never inferred from the keyword sets.
type CombinationRule string

const (
	// CombineAndAny requires all primary keywords plus at least one
	// secondary keyword when secondaries are configured. Default.
	CombineAndAny CombinationRule = "and_any"
	// CombineAndAll requires all primary and all secondary keywords.
	CombineAndAll CombinationRule = "and_all"
	// CombineAny requires at least one keyword from either set.
	CombineAny CombinationRule = "any"
	// CombineNotAny requires all primary keywords and no secondary keyword.
	CombineNotAny CombinationRule = "not_any"
	// CombineNotAll requires all primary keywords and blocks only when
	// every secondary keyword is present.
	CombineNotAll CombinationRule = "not_all"
)

// Role identifies which speaker a scanned turn or rendered block belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Position places an admitted block relative to the system preamble.
type Position string

const (
	PositionBeforeSystem Position = "before_system"
	PositionAfterSystem  Position = "after_system"
	// PositionInChat inserts the block into the conversation history at
	// the configured depth.
	PositionInChat Position = "in_chat"
)

// positionRank gives positions a stable assembly order.
func (p Position) Rank() int {
	switch p {
	case PositionBeforeSystem:
		return 0
	case PositionAfterSystem:
		return 1
	case PositionInChat:
		return 2
	default:
		return 3
	}
}

// ActivationSettings controls how one entry is matched each turn.
type ActivationSettings struct {
	Mode              ActivationMode  `json:"mode"`
	PrimaryKeywords   []string        `json:"primary_keywords,omitempty"`
	SecondaryKeywords []string        `json:"secondary_keywords,omitempty"`
	Combination       CombinationRule `json:"combination,omitempty"`
	CaseSensitive     bool            `json:"case_sensitive,omitempty"`
	MatchWholeWords   bool            `json:"match_whole_words,omitempty"`
	UseRegex          bool            `json:"use_regex,omitempty"`
	VectorThreshold   float64         `json:"vector_threshold,omitempty"`
	MaxVectorResults  int             `json:"max_vector_results,omitempty"`
	Probability       int             `json:"probability,omitempty"`
	UseProbability    bool            `json:"use_probability,omitempty"`
	ScanDepth         int             `json:"scan_depth,omitempty"`
	ScanRoles         []Role          `json:"scan_roles,omitempty"`
}

// Validate rejects malformed activation settings at configuration time.
func (s *ActivationSettings) Validate() error {
	switch s.Mode {
	case ModeKeyword, ModeVector, ModeHybrid:
	default:
		return fmt.Errorf("unknown activation mode %q", s.Mode)
	}
	switch s.Combination {
	case "", CombineAndAny, CombineAndAll, CombineAny, CombineNotAny, CombineNotAll:
	default:
		return fmt.Errorf("unknown combination rule %q", s.Combination)
	}
	if s.VectorThreshold < 0 || s.VectorThreshold > 1 {
		return fmt.Errorf("vector threshold must be between 0 and 1, got %g", s.VectorThreshold)
	}
	if s.MaxVectorResults < 0 {
		return fmt.Errorf("max vector results cannot be negative")
	}
	if s.Probability < 0 || s.Probability > 100 {
		return fmt.Errorf("probability must be between 0 and 100, got %d", s.Probability)
	}
	if s.ScanDepth < 0 {
		return fmt.Errorf("scan depth cannot be negative")
	}
	for _, r := range s.ScanRoles {
		switch r {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("unknown scan role %q", r)
		}
	}
	return nil
}

// Positioning controls where an admitted entry's block is placed.
type Positioning struct {
	Position Position `json:"position"`
	Depth    int      `json:"depth,omitempty"`
	Role     Role     `json:"role,omitempty"`
	Order    int      `json:"order,omitempty"`
}

// Validate rejects malformed positioning at configuration time.
func (p *Positioning) Validate() error {
	switch p.Position {
	case "", PositionBeforeSystem, PositionAfterSystem, PositionInChat:
	default:
		return fmt.Errorf("unknown position %q", p.Position)
	}
	if p.Depth < 0 {
		return fmt.Errorf("depth cannot be negative")
	}
	return nil
}

// AdvancedActivation holds the sticky/cooldown/delay counters. All counters
// are measured in turns and scoped to one (conversation, entry) pair.
type AdvancedActivation struct {
	Sticky   int `json:"sticky,omitempty"`
	Cooldown int `json:"cooldown,omitempty"`
	Delay    int `json:"delay,omitempty"`
}

// Validate rejects negative counters at configuration time, never mid-turn.
func (a *AdvancedActivation) Validate() error {
	if a.Sticky < 0 {
		return fmt.Errorf("sticky cannot be negative")
	}
	if a.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	if a.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	return nil
}

// Filtering restricts which bots and personas may use an entry.
type Filtering struct {
	AllowBots               []string `json:"allow_bots,omitempty"`
	DenyBots                []string `json:"deny_bots,omitempty"`
	AllowPersonas           []string `json:"allow_personas,omitempty"`
	DenyPersonas            []string `json:"deny_personas,omitempty"`
	MatchBotDescription     bool     `json:"match_bot_description,omitempty"`
	MatchPersonaDescription bool     `json:"match_persona_description,omitempty"`
}

// Allows reports whether the entry may be used with the given bot and persona.
func (f *Filtering) Allows(botID, personaID string) bool {
	if containsString(f.DenyBots, botID) || containsString(f.DenyPersonas, personaID) {
		return false
	}
	if len(f.AllowBots) > 0 && !containsString(f.AllowBots, botID) {
		return false
	}
	if len(f.AllowPersonas) > 0 && !containsString(f.AllowPersonas, personaID) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// BudgetControl overrides the allocator for one entry.
type BudgetControl struct {
	// IgnoreBudget admits the entry even when the remaining budget is
	// exhausted. Its token cost is still subtracted from the budget.
	IgnoreBudget bool `json:"ignore_budget,omitempty"`
	// MaxTokens caps this entry's own contribution. 0 means no cap.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Validate rejects negative caps at configuration time.
func (b *BudgetControl) Validate() error {
	if b.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	return nil
}

// KnowledgeEntry is the unit of context activation. Memories are projected
// into this shape when they participate in matching.
type KnowledgeEntry struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Content  string   `json:"content"`
	Tokens   int      `json:"tokens"`
	Tags     []string `json:"tags,omitempty"`
	ChunkIDs []string `json:"chunk_ids,omitempty"`

	Activation  ActivationSettings `json:"activation"`
	Positioning Positioning        `json:"positioning"`
	Advanced    AdvancedActivation `json:"advanced"`
	Filtering   Filtering          `json:"filtering"`
	Budget      BudgetControl      `json:"budget"`

	// Importance carries a memory's 1-10 importance when the entry is a
	// projected memory; zero for plain knowledge entries.
	Importance int `json:"importance,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks every configuration sub-object. Entries failing validation
// are rejected on write; entries whose stored settings cannot be decoded are
// degraded to keyword mode with no keywords on read.
func (e *KnowledgeEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if e.Tokens < 0 {
		return fmt.Errorf("token count cannot be negative")
	}
	if err := e.Activation.Validate(); err != nil {
		return fmt.Errorf("activation settings: %w", err)
	}
	if err := e.Positioning.Validate(); err != nil {
		return fmt.Errorf("positioning: %w", err)
	}
	if err := e.Advanced.Validate(); err != nil {
		return fmt.Errorf("advanced activation: %w", err)
	}
	if err := e.Budget.Validate(); err != nil {
		return fmt.Errorf("budget control: %w", err)
	}
	return nil
}

// MemoryType is the lifecycle stage of a memory.
type MemoryType string

const (
	ShortTerm    MemoryType = "short_term"
	LongTerm     MemoryType = "long_term"
	Consolidated MemoryType = "consolidated"
)

// IsValid reports whether the memory type is known.
func (t MemoryType) IsValid() bool {
	switch t {
	case ShortTerm, LongTerm, Consolidated:
		return true
	default:
		return false
	}
}

// Memory is a conversation-derived record that can participate in activation
// once vectorized or consolidated, and can be converted into a permanent
// knowledge entry.
type Memory struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	BotIDs           []string   `json:"bot_ids,omitempty"`
	PersonaIDs       []string   `json:"persona_ids,omitempty"`
	ConversationID   string     `json:"conversation_id"`
	MessageIndex     int        `json:"message_index"`
	Content          string     `json:"content"`
	Tokens           int        `json:"tokens"`
	Type             MemoryType `json:"type"`
	Importance       int        `json:"importance"`
	EmotionalContext string     `json:"emotional_context,omitempty"`
	IsVectorized     bool       `json:"is_vectorized"`

	// ConvertedToLore, LoreEntryID and ConvertedAt are set atomically by
	// conversion; a converted memory always carries both the reference and
	// the timestamp.
	ConvertedToLore bool       `json:"converted_to_lore"`
	LoreEntryID     string     `json:"lore_entry_id,omitempty"`
	ConvertedAt     *time.Time `json:"converted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate rejects malformed memories on write.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("memory id is empty")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("unknown memory type %q", m.Type)
	}
	if m.Importance < 1 || m.Importance > 10 {
		return fmt.Errorf("importance must be between 1 and 10, got %d", m.Importance)
	}
	if m.Tokens < 0 {
		return fmt.Errorf("token count cannot be negative")
	}
	return nil
}

// AsEntry projects a memory into the entry shape used by the matcher. Only
// vectorized long-term and consolidated memories are eligible; raw
// short-term memories never match directly.
func (m *Memory) AsEntry(vectorThreshold float64, maxVectorResults int) *KnowledgeEntry {
	return &KnowledgeEntry{
		ID:      m.ID,
		UserID:  m.UserID,
		Content: m.Content,
		Tokens:  m.Tokens,
		Activation: ActivationSettings{
			Mode:             ModeVector,
			VectorThreshold:  vectorThreshold,
			MaxVectorResults: maxVectorResults,
		},
		Positioning: Positioning{
			Position: PositionAfterSystem,
			Role:     RoleSystem,
		},
		Filtering: Filtering{
			AllowBots:     m.BotIDs,
			AllowPersonas: m.PersonaIDs,
		},
		Importance: m.Importance,
		CreatedAt:  m.CreatedAt,
	}
}
