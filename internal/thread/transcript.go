package thread

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/llmail/internal/model"
)

// DefaultMaxDepth bounds the ancestor walk.
const DefaultMaxDepth = 100

// ErrNotFound is returned by a Lookup when no mailbox item matches.
var ErrNotFound = errors.New("message not found")

// LookupError reports an identity that could not be resolved to a message.
type LookupError struct {
	ID  string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("looking up %s: %v", e.ID, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Lookup resolves identities against the whole mailbox.
type Lookup interface {
	ByMessageID(ctx context.Context, messageID string) (model.Message, error)
	ByUID(ctx context.Context, folder string, uid uint32) (model.Message, error)
}

// Source names where a transcript starts.
type Source interface {
	source()
}

// FromConversation builds from an indexed conversation.
type FromConversation struct {
	Conversation *Conversation
}

// FromSequenceNumber walks back from the message at a folder UID.
type FromSequenceNumber struct {
	Folder string
	UID    uint32
}

// FromDeclaredIdentifier walks back from the message with a Message-ID.
type FromDeclaredIdentifier struct {
	MessageID string
}

func (FromConversation) source()       {}
func (FromSequenceNumber) source()     {}
func (FromDeclaredIdentifier) source() {}

// TranscriberOption configures a Transcriber.
type TranscriberOption func(*Transcriber)

// WithMaxDepth bounds the number of ancestor hops in a walk.
func WithMaxDepth(n int) TranscriberOption {
	return func(t *Transcriber) {
		if n > 0 {
			t.maxDepth = n
		}
	}
}

// WithHistory selects the history mode used by ForTarget: "auto",
// "conversation" or "mailbox".
func WithHistory(mode string) TranscriberOption {
	return func(t *Transcriber) {
		if mode != "" {
			t.history = mode
		}
	}
}

// Transcriber turns message history into role-tagged entries.
type Transcriber struct {
	bot      string
	prompt   string
	lookup   Lookup
	logger   zerolog.Logger
	maxDepth int
	history  string
}

// NewTranscriber returns a builder. lookup may be nil, in which case only
// FromConversation sources can be built.
func NewTranscriber(botAddress, systemPrompt string, lookup Lookup, logger zerolog.Logger, opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{
		bot:      strings.ToLower(botAddress),
		prompt:   systemPrompt,
		lookup:   lookup,
		logger:   logger.With().Str("component", "transcript").Logger(),
		maxDepth: DefaultMaxDepth,
		history:  model.HistoryAuto,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Build assembles the transcript for src.
func (t *Transcriber) Build(ctx context.Context, src Source) ([]model.Entry, error) {
	switch s := src.(type) {
	case FromConversation:
		if s.Conversation == nil {
			return nil, errors.New("nil conversation")
		}
		return t.entries(s.Conversation.Messages()), nil

	case FromSequenceNumber:
		if t.lookup == nil {
			return nil, errors.New("no mailbox lookup configured")
		}
		start, err := t.lookup.ByUID(ctx, s.Folder, s.UID)
		if err != nil {
			return nil, &LookupError{ID: model.LocalID(s.Folder, s.UID).String(), Err: err}
		}
		return t.entries(t.walk(ctx, start)), nil

	case FromDeclaredIdentifier:
		if t.lookup == nil {
			return nil, errors.New("no mailbox lookup configured")
		}
		start, err := t.lookup.ByMessageID(ctx, s.MessageID)
		if err != nil {
			return nil, &LookupError{ID: s.MessageID, Err: err}
		}
		return t.entries(t.walk(ctx, start)), nil

	default:
		return nil, fmt.Errorf("unsupported transcript source %T", src)
	}
}

// ForTarget builds the transcript for a reply target according to the
// history mode. In auto mode the conversation is used unless the target
// replies to a message the index never saw, in which case the mailbox is
// walked from the target instead.
func (t *Transcriber) ForTarget(ctx context.Context, target Target) ([]model.Entry, error) {
	conv := target.Conversation
	msg := target.Message

	walk := false
	switch t.history {
	case model.HistoryMailbox:
		walk = true
	case model.HistoryAuto:
		walk = msg.InReplyTo != "" && !conv.Contains(model.DeclaredID(msg.InReplyTo))
	}
	if !walk || t.lookup == nil {
		return t.Build(ctx, FromConversation{Conversation: conv})
	}

	t.logger.Debug().Str("key", conv.Key.String()).Str("id", msg.ID.String()).Msg("walking mailbox for history")
	return t.entries(t.walk(ctx, msg)), nil
}

// walk follows In-Reply-To pointers from start and returns the messages
// found, oldest first. An unresolvable pointer, a repeated identity or
// the depth bound ends the walk.
func (t *Transcriber) walk(ctx context.Context, start model.Message) []model.Message {
	acc := []model.Message{start}
	visited := map[model.ID]bool{start.ID: true}
	current := start

	for hops := 0; current.InReplyTo != ""; hops++ {
		log := t.logger.With().Str("from", current.ID.String()).Str("parent", current.InReplyTo).Logger()
		if hops >= t.maxDepth {
			log.Warn().Int("depth", hops).Msg("history walk depth reached, truncating")
			break
		}

		parent, err := t.lookup.ByMessageID(ctx, current.InReplyTo)
		if err != nil {
			lerr := &LookupError{ID: current.InReplyTo, Err: err}
			log.Warn().Err(lerr).Msg("ancestor unresolved, truncating history")
			break
		}
		if visited[parent.ID] {
			log.Warn().Msg("reply chain loops, truncating history")
			break
		}

		visited[parent.ID] = true
		acc = append(acc, parent)
		current = parent
	}

	slices.Reverse(acc)
	slices.SortStableFunc(acc, func(a, b model.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return acc
}

func (t *Transcriber) entries(msgs []model.Message) []model.Entry {
	out := make([]model.Entry, 0, len(msgs)+1)
	if t.prompt != "" {
		out = append(out, model.Entry{Role: model.RoleSystem, Content: t.prompt})
	}
	for _, m := range msgs {
		role := model.RoleUser
		if m.Sender == t.bot {
			role = model.RoleAssistant
		}
		out = append(out, model.Entry{Role: role, Content: m.Body})
	}
	return out
}
