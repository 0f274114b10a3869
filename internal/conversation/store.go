package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daverage/loreweave/internal/storage"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation carries only the state this engine reads and writes: token
// bookkeeping, summarization markers, and the persona switch log.
type Conversation struct {
	ID          string
	TotalTokens int
	// UnsummarizedTokens is the remainder since the last consolidation.
	// TotalTokens never decreases; only this counter shrinks.
	UnsummarizedTokens         int
	LastSummarizedAt           *time.Time
	LastSummarizedMessageIndex int
	RequiresSummarization      bool
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// ParticipantEvent records a persona switch at a message index.
type ParticipantEvent struct {
	ID             int64
	ConversationID string
	MessageIndex   int
	FromPersona    string
	ToPersona      string
	CreatedAt      time.Time
}

// Store persists conversation bookkeeping state.
type Store struct {
	db *storage.DB
}

// NewStore creates a conversation store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate fetches a conversation, creating it on first use.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*Conversation, error) {
	c, err := s.Get(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations
			(id, total_tokens, unsummarized_tokens, last_summarized_message_index,
			 requires_summarization, created_at, updated_at)
		VALUES (?, 0, 0, -1, 0, ?, ?)`, id, now, now)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get fetches a conversation by ID.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, total_tokens, unsummarized_tokens, last_summarized_at,
			last_summarized_message_index, requires_summarization, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	var c Conversation
	var lastAt sql.NullTime
	var requires int
	err := row.Scan(&c.ID, &c.TotalTokens, &c.UnsummarizedTokens, &lastAt,
		&c.LastSummarizedMessageIndex, &requires, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if lastAt.Valid {
		t := lastAt.Time
		c.LastSummarizedAt = &t
	}
	c.RequiresSummarization = requires == 1
	return &c, nil
}

// AddTokens adds a turn's tokens to the running totals and sets
// requires_summarization when the unsummarized remainder crosses the
// threshold. Returns the updated conversation.
func (s *Store) AddTokens(ctx context.Context, id string, tokens, threshold int) (*Conversation, error) {
	if tokens < 0 {
		return nil, fmt.Errorf("token delta cannot be negative, got %d", tokens)
	}
	_, err := s.db.Conn().ExecContext(ctx, `
		UPDATE conversations SET
			total_tokens = total_tokens + ?,
			unsummarized_tokens = unsummarized_tokens + ?,
			requires_summarization = CASE
				WHEN unsummarized_tokens + ? >= ? THEN 1
				ELSE requires_summarization END,
			updated_at = ?
		WHERE id = ?`,
		tokens, tokens, tokens, threshold, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// CompleteSummarization clears the summarization flag and advances the
// markers after a consolidation. Only a completed consolidation clears the
// flag.
func (s *Store) CompleteSummarization(ctx context.Context, id string, messageIndex int) error {
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE conversations SET
			requires_summarization = 0,
			unsummarized_tokens = 0,
			last_summarized_at = ?,
			last_summarized_message_index = ?,
			updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), messageIndex, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordPersonaSwitch appends a persona change to the participant log.
func (s *Store) RecordPersonaSwitch(ctx context.Context, id string, messageIndex int, from, to string) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO participant_events (conversation_id, message_index, from_persona, to_persona, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, messageIndex, from, to, time.Now().UTC())
	return err
}

// ParticipantEvents returns the persona switch log in message order.
func (s *Store) ParticipantEvents(ctx context.Context, id string) ([]ParticipantEvent, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, conversation_id, message_index, from_persona, to_persona, created_at
		FROM participant_events WHERE conversation_id = ? ORDER BY message_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ParticipantEvent
	for rows.Next() {
		var e ParticipantEvent
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.MessageIndex,
			&e.FromPersona, &e.ToPersona, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
