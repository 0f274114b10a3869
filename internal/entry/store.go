package entry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daverage/loreweave/internal/storage"
)

// ErrNotFound is returned when an entry or memory does not exist.
var ErrNotFound = errors.New("not found")

// Store provides read access to knowledge entries and memories plus the
// narrow set of writes owned by the memory lifecycle manager.
type Store struct {
	db     *storage.DB
	logger *zap.Logger
}

// NewStore creates an entry store.
func NewStore(db *storage.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateEntry inserts a knowledge entry. Configuration is validated here;
// invalid configuration never reaches turn evaluation.
func (s *Store) CreateEntry(ctx context.Context, e *KnowledgeEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Activation.Mode == "" {
		e.Activation.Mode = ModeKeyword
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	tags, _ := json.Marshal(orEmpty(e.Tags))
	chunks, _ := json.Marshal(orEmpty(e.ChunkIDs))
	activation, _ := json.Marshal(e.Activation)
	positioning, _ := json.Marshal(e.Positioning)
	advanced, _ := json.Marshal(e.Advanced)
	filtering, _ := json.Marshal(e.Filtering)
	budget, _ := json.Marshal(e.Budget)

	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO entries (id, user_id, content, tokens, tags, chunk_ids,
			activation, positioning, advanced, filtering, budget, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Content, e.Tokens, string(tags), string(chunks),
		string(activation), string(positioning), string(advanced),
		string(filtering), string(budget), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// GetEntry retrieves one knowledge entry by ID.
func (s *Store) GetEntry(ctx context.Context, id string) (*KnowledgeEntry, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, user_id, content, tokens, tags, chunk_ids,
			activation, positioning, advanced, filtering, budget, created_at, updated_at
		FROM entries WHERE id = ?`, id)
	e, err := s.scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return e, nil
}

// ListEntries returns all knowledge entries owned by a user.
func (s *Store) ListEntries(ctx context.Context, userID string) ([]*KnowledgeEntry, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, user_id, content, tokens, tags, chunk_ids,
			activation, positioning, advanced, filtering, budget, created_at, updated_at
		FROM entries WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*KnowledgeEntry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanEntry(row rowScanner) (*KnowledgeEntry, error) {
	var e KnowledgeEntry
	var tags, chunks, activation, positioning, advanced, filtering, budget string

	err := row.Scan(&e.ID, &e.UserID, &e.Content, &e.Tokens, &tags, &chunks,
		&activation, &positioning, &advanced, &filtering, &budget,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(tags), &e.Tags)
	json.Unmarshal([]byte(chunks), &e.ChunkIDs)
	if err := json.Unmarshal([]byte(activation), &e.Activation); err != nil || e.Activation.Validate() != nil {
		// Malformed settings degrade to keyword mode with no keywords:
		// the entry never matches, but the turn keeps going.
		s.logger.Warn("malformed activation settings, degrading entry to inert keyword mode",
			zap.String("entry_id", e.ID))
		e.Activation = ActivationSettings{Mode: ModeKeyword}
	}
	json.Unmarshal([]byte(positioning), &e.Positioning)
	json.Unmarshal([]byte(advanced), &e.Advanced)
	json.Unmarshal([]byte(filtering), &e.Filtering)
	json.Unmarshal([]byte(budget), &e.Budget)

	return &e, nil
}

// CreateMemory inserts a memory record.
func (s *Store) CreateMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = ShortTerm
	}
	if m.Importance == 0 {
		m.Importance = 5
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid memory: %w", err)
	}
	m.CreatedAt = time.Now().UTC()

	botIDs, _ := json.Marshal(orEmpty(m.BotIDs))
	personaIDs, _ := json.Marshal(orEmpty(m.PersonaIDs))

	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO memories (id, user_id, bot_ids, persona_ids, conversation_id,
			message_index, content, tokens, type, importance, emotional_context,
			is_vectorized, converted_to_lore, lore_entry_id, converted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?)`,
		m.ID, m.UserID, string(botIDs), string(personaIDs), m.ConversationID,
		m.MessageIndex, m.Content, m.Tokens, string(m.Type), m.Importance,
		m.EmotionalContext, boolToInt(m.IsVectorized), m.CreatedAt,
	)
	return err
}

// GetMemory retrieves one memory by ID.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.Conn().QueryRowContext(ctx, memorySelect+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

// ListEligibleMemories returns the user's memories that may participate in
// activation: vectorized long-term and consolidated memories.
func (s *Store) ListEligibleMemories(ctx context.Context, userID string) ([]*Memory, error) {
	rows, err := s.db.Conn().QueryContext(ctx, memorySelect+`
		WHERE user_id = ? AND is_vectorized = 1 AND type IN (?, ?)
		ORDER BY created_at`, userID, string(LongTerm), string(Consolidated))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ListShortTermSince returns a conversation's short-term memories with a
// message index greater than sinceIndex, in message order. These are the
// consolidation candidates.
func (s *Store) ListShortTermSince(ctx context.Context, conversationID string, sinceIndex int) ([]*Memory, error) {
	rows, err := s.db.Conn().QueryContext(ctx, memorySelect+`
		WHERE conversation_id = ? AND type = ? AND message_index > ?
		ORDER BY message_index`, conversationID, string(ShortTerm), sinceIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

const memorySelect = `
	SELECT id, user_id, bot_ids, persona_ids, conversation_id, message_index,
		content, tokens, type, importance, emotional_context, is_vectorized,
		converted_to_lore, lore_entry_id, converted_at, created_at
	FROM memories`

func collectMemories(rows *sql.Rows) ([]*Memory, error) {
	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var botIDs, personaIDs string
	var vectorized, converted int
	var loreID sql.NullString
	var convertedAt sql.NullTime

	err := row.Scan(&m.ID, &m.UserID, &botIDs, &personaIDs, &m.ConversationID,
		&m.MessageIndex, &m.Content, &m.Tokens, &m.Type, &m.Importance,
		&m.EmotionalContext, &vectorized, &converted, &loreID, &convertedAt,
		&m.CreatedAt)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(botIDs), &m.BotIDs)
	json.Unmarshal([]byte(personaIDs), &m.PersonaIDs)
	m.IsVectorized = vectorized == 1
	m.ConvertedToLore = converted == 1
	if loreID.Valid {
		m.LoreEntryID = loreID.String
	}
	if convertedAt.Valid {
		t := convertedAt.Time
		m.ConvertedAt = &t
	}

	return &m, nil
}

// SetMemoryType updates a memory's lifecycle stage.
func (s *Store) SetMemoryType(ctx context.Context, id string, t MemoryType) error {
	if !t.IsValid() {
		return fmt.Errorf("unknown memory type %q", t)
	}
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE memories SET type = ? WHERE id = ?`, string(t), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetVectorized flags a memory as embedded in the vector index.
func (s *Store) SetVectorized(ctx context.Context, id string, vectorized bool) error {
	_, err := s.db.Conn().ExecContext(ctx,
		`UPDATE memories SET is_vectorized = ? WHERE id = ?`, boolToInt(vectorized), id)
	return err
}

// ConvertMemory atomically creates a knowledge entry from a memory and stamps
// the memory as converted. Conversion is idempotent: if the memory is already
// converted (including by a concurrent writer) the existing entry is returned
// and created is false.
func (s *Store) ConvertMemory(ctx context.Context, memoryID string, build func(*Memory) *KnowledgeEntry) (*KnowledgeEntry, bool, error) {
	m, err := s.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, false, err
	}
	if m.ConvertedToLore {
		existing, err := s.GetEntry(ctx, m.LoreEntryID)
		if err != nil {
			return nil, false, fmt.Errorf("converted memory %s references missing entry %s: %w", memoryID, m.LoreEntryID, err)
		}
		return existing, false, nil
	}

	e := build(m)
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Activation.Mode == "" {
		e.Activation.Mode = ModeKeyword
	}
	if err := e.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid converted entry: %w", err)
	}

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// The guard on converted_to_lore makes the second of two concurrent
	// conversions a no-op.
	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET converted_to_lore = 1, lore_entry_id = ?, converted_at = ?
		WHERE id = ? AND converted_to_lore = 0`,
		e.ID, now, memoryID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		tx.Rollback()
		fresh, err := s.GetMemory(ctx, memoryID)
		if err != nil {
			return nil, false, err
		}
		existing, err := s.GetEntry(ctx, fresh.LoreEntryID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	tags, _ := json.Marshal(orEmpty(e.Tags))
	chunks, _ := json.Marshal(orEmpty(e.ChunkIDs))
	activation, _ := json.Marshal(e.Activation)
	positioning, _ := json.Marshal(e.Positioning)
	advanced, _ := json.Marshal(e.Advanced)
	filtering, _ := json.Marshal(e.Filtering)
	budget, _ := json.Marshal(e.Budget)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (id, user_id, content, tokens, tags, chunk_ids,
			activation, positioning, advanced, filtering, budget, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Content, e.Tokens, string(tags), string(chunks),
		string(activation), string(positioning), string(advanced),
		string(filtering), string(budget), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
