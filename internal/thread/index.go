// Package thread groups normalized messages into conversations, decides
// which conversations are owed a reply and builds the transcript sent to
// the language model.
package thread

import (
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/llmail/internal/model"
)

// Conversation is one exchange rooted at the message that started it.
// Replies are unique by ID, never include the root and stay ordered by
// timestamp, ties keeping insertion order. Until the message named by Key
// is seen, Root holds whichever message opened the conversation in this
// cycle; the real root replaces it when it arrives.
type Conversation struct {
	Key     model.ID
	Root    model.Message
	replies []model.Message
}

func newConversation(key model.ID, root model.Message) *Conversation {
	return &Conversation{Key: key, Root: root}
}

// Replies returns a copy of the ordered replies.
func (c *Conversation) Replies() []model.Message {
	return slices.Clone(c.replies)
}

// Messages returns every message oldest first. The root leads on equal
// timestamps.
func (c *Conversation) Messages() []model.Message {
	out := make([]model.Message, 0, len(c.replies)+1)
	out = append(out, c.Root)
	out = append(out, c.replies...)
	sortByTime(out)
	return out
}

// Contains reports whether the root or a reply carries id.
func (c *Conversation) Contains(id model.ID) bool {
	if c.Root.ID == id {
		return true
	}
	return slices.ContainsFunc(c.replies, func(m model.Message) bool { return m.ID == id })
}

// AddReply inserts m unless its ID is already present. A message carrying
// the conversation key takes over as root. It reports whether the
// conversation changed.
func (c *Conversation) AddReply(m model.Message) bool {
	if c.Contains(m.ID) {
		return false
	}
	if m.ID == c.Key {
		c.Root, m = m, c.Root
	}
	c.replies = append(c.replies, m)
	sortByTime(c.replies)
	return true
}

// Last returns the most recent message.
func (c *Conversation) Last() model.Message {
	msgs := c.Messages()
	return msgs[len(msgs)-1]
}

func sortByTime(msgs []model.Message) {
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// Resolve returns the conversation key for m.
func Resolve(m model.Message) model.ID {
	return m.ConversationKey()
}

// IngestOutcome says what Ingest did with a message.
type IngestOutcome int

const (
	Created IngestOutcome = iota + 1
	Appended
	Duplicate
	DroppedBotOrigin
)

func (o IngestOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	case DroppedBotOrigin:
		return "dropped_bot_origin"
	default:
		return "unknown"
	}
}

// Index maps conversation keys to conversations for one cycle.
type Index struct {
	bot    string
	logger zerolog.Logger
	byKey  map[model.ID]*Conversation
	order  []*Conversation
}

// NewIndex returns an empty index. botAddress is the bot's own sender
// address; conversations never start from a message it sent.
func NewIndex(botAddress string, logger zerolog.Logger) *Index {
	return &Index{
		bot:    strings.ToLower(botAddress),
		logger: logger.With().Str("component", "thread_index").Logger(),
		byKey:  make(map[model.ID]*Conversation),
	}
}

// Ingest files m under its conversation key.
func (ix *Index) Ingest(m model.Message) IngestOutcome {
	key := Resolve(m)

	if conv, ok := ix.byKey[key]; ok {
		if !conv.AddReply(m) {
			ix.logger.Debug().Str("key", key.String()).Str("id", m.ID.String()).Msg("duplicate message ignored")
			return Duplicate
		}
		ix.logger.Debug().Str("key", key.String()).Str("id", m.ID.String()).Msg("reply appended")
		return Appended
	}

	if m.Sender == ix.bot {
		ix.logger.Debug().Str("key", key.String()).Str("id", m.ID.String()).Msg("bot message without conversation dropped")
		return DroppedBotOrigin
	}

	conv := newConversation(key, m)
	ix.byKey[key] = conv
	ix.order = append(ix.order, conv)
	ix.logger.Info().Str("key", key.String()).Str("from", m.Sender).Msg("conversation created")
	return Created
}

// Lookup returns the conversation for key.
func (ix *Index) Lookup(key model.ID) (*Conversation, bool) {
	conv, ok := ix.byKey[key]
	return conv, ok
}

// Conversations returns all conversations in creation order.
func (ix *Index) Conversations() []*Conversation {
	return slices.Clone(ix.order)
}

// Len returns the number of conversations.
func (ix *Index) Len() int {
	return len(ix.order)
}
