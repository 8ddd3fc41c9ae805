package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/llmail/internal/mailbox"
	"github.com/nhle/llmail/internal/model"
	"github.com/nhle/llmail/internal/normalize"
	"github.com/nhle/llmail/internal/thread"
)

// mailboxLookup resolves transcript ancestors through the live session.
// Ancestors are parsed without the subject filter.
type mailboxLookup struct {
	session    Session
	normalizer *normalize.Normalizer
}

func (l *mailboxLookup) ByMessageID(ctx context.Context, messageID string) (model.Message, error) {
	raw, err := l.session.FindByMessageID(ctx, messageID)
	if err != nil {
		return model.Message{}, translate(err)
	}
	return l.normalizer.Parse(raw)
}

func (l *mailboxLookup) ByUID(ctx context.Context, folder string, uid uint32) (model.Message, error) {
	raw, err := l.session.FetchUID(ctx, folder, uid)
	if err != nil {
		return model.Message{}, translate(err)
	}
	return l.normalizer.Parse(raw)
}

func translate(err error) error {
	if errors.Is(err, mailbox.ErrNotFound) {
		return fmt.Errorf("%w: %w", thread.ErrNotFound, err)
	}
	return err
}
