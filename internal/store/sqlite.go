package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/llmail/internal/model"
)

// SQLiteStore implements Journal using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// RecordReply stores one sent reply. ID and SentAt are filled in when empty.
func (s *SQLiteStore) RecordReply(ctx context.Context, rec model.ReplyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO replies (
			id, conversation_key, target_id, reply_message_id,
			recipient, subject, folder, sent_at
		) VALUES (
			:id, :conversation_key, :target_id, :reply_message_id,
			:recipient, :subject, :folder, :sent_at
		)`,
		map[string]any{
			"id":               rec.ID,
			"conversation_key": rec.ConversationKey,
			"target_id":        rec.TargetID,
			"reply_message_id": rec.ReplyMessageID,
			"recipient":        rec.Recipient,
			"subject":          rec.Subject,
			"folder":           rec.Folder,
			"sent_at":          rec.SentAt.UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("recording reply %s: %w", rec.ReplyMessageID, err)
	}
	return nil
}

// ListReplies returns the most recent replies first. A limit of zero or
// less returns all of them.
func (s *SQLiteStore) ListReplies(ctx context.Context, limit int) ([]model.ReplyRecord, error) {
	query := `
		SELECT id, conversation_key, target_id, reply_message_id,
			recipient, subject, folder, sent_at
		FROM replies
		ORDER BY sent_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var recs []model.ReplyRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("listing replies: %w", err)
	}
	return recs, nil
}
