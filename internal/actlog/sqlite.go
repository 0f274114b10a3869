package actlog

import (
	"context"
	"database/sql"

	"github.com/daverage/loreweave/internal/storage"
)

// SQLiteSink appends activation log entries to the activation_log table.
type SQLiteSink struct {
	db *storage.DB
}

// NewSQLiteSink creates a sink backed by the shared database.
func NewSQLiteSink(db *storage.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

// Append writes a batch of entries in one transaction, preserving slice
// order.
func (s *SQLiteSink) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activation_log (id, conversation_id, message_index, entry_id,
			method, score, similarity, position, tokens, included, exclusion_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		var sim sql.NullFloat64
		if e.Similarity != nil {
			sim = sql.NullFloat64{Float64: *e.Similarity, Valid: true}
		}
		included := 0
		if e.Included {
			included = 1
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.ConversationID, e.MessageIndex,
			e.EntryID, e.Method, e.Score, sim, e.Position, e.Tokens,
			included, e.ExclusionReason, e.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Recent returns the latest entries for a conversation, newest turn first.
// Used by the CLI only.
func (s *SQLiteSink) Recent(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, conversation_id, message_index, entry_id, method, score,
			similarity, position, tokens, included, exclusion_reason, created_at
		FROM activation_log
		WHERE conversation_id = ?
		ORDER BY message_index DESC, created_at DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sim sql.NullFloat64
		var included int
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.MessageIndex, &e.EntryID,
			&e.Method, &e.Score, &sim, &e.Position, &e.Tokens, &included,
			&e.ExclusionReason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if sim.Valid {
			v := sim.Float64
			e.Similarity = &v
		}
		e.Included = included == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
