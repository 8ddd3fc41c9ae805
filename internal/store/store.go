package store

import (
	"context"

	"github.com/nhle/llmail/internal/model"
)

// Journal records replies the bot has sent. It is an audit trail only;
// nothing reads it back to decide whether to reply.
type Journal interface {
	RecordReply(ctx context.Context, rec model.ReplyRecord) error
	ListReplies(ctx context.Context, limit int) ([]model.ReplyRecord, error)
	Close() error
}

// NopJournal discards records. It is used when no journal path is set.
type NopJournal struct{}

func (NopJournal) RecordReply(context.Context, model.ReplyRecord) error { return nil }

func (NopJournal) ListReplies(context.Context, int) ([]model.ReplyRecord, error) { return nil, nil }

func (NopJournal) Close() error { return nil }

// Open returns a SQLite journal at path, or a NopJournal when path is empty.
func Open(path string) (Journal, error) {
	if path == "" {
		return NopJournal{}, nil
	}
	return NewSQLiteStore(path)
}
