package thread

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/llmail/internal/model"
)

// ReferenceChecker answers whether any mailbox message declares messageID
// as its In-Reply-To.
type ReferenceChecker interface {
	HasReplyTo(ctx context.Context, messageID string) (bool, error)
}

// Target is a message the bot owes a reply, with its conversation.
type Target struct {
	Conversation *Conversation
	Message      model.Message
}

// Eligibility selects reply targets.
type Eligibility struct {
	bot    string
	refs   ReferenceChecker
	logger zerolog.Logger
}

// NewEligibility returns an engine that treats messages from botAddress as
// its own and consults refs for newer references.
func NewEligibility(botAddress string, refs ReferenceChecker, logger zerolog.Logger) *Eligibility {
	return &Eligibility{
		bot:    strings.ToLower(botAddress),
		refs:   refs,
		logger: logger.With().Str("component", "eligibility").Logger(),
	}
}

// Candidate applies the in-memory rules: the root of an unanswered
// conversation, or the last reply when someone other than the bot wrote it.
func (e *Eligibility) Candidate(c *Conversation) (model.Message, bool) {
	last := c.Last()
	if last.Sender == e.bot {
		return model.Message{}, false
	}
	return last, true
}

// Targets returns the reply targets in ix, in conversation creation order.
// A conversation whose candidate already has a reply somewhere in the
// mailbox is skipped, as is one whose check failed.
func (e *Eligibility) Targets(ctx context.Context, ix *Index) []Target {
	var targets []Target
	for _, conv := range ix.Conversations() {
		log := e.logger.With().Str("key", conv.Key.String()).Logger()

		msg, ok := e.Candidate(conv)
		if !ok {
			log.Debug().Msg("last message is from bot, skipping")
			continue
		}

		if msg.ID.IsDeclared() && e.refs != nil {
			answered, err := e.refs.HasReplyTo(ctx, msg.ID.Declared)
			if err != nil {
				log.Warn().Err(err).Str("id", msg.ID.String()).Msg("reference check failed, skipping")
				continue
			}
			if answered {
				log.Debug().Str("id", msg.ID.String()).Msg("newer reference exists, skipping")
				continue
			}
		}

		targets = append(targets, Target{Conversation: conv, Message: msg})
	}
	return targets
}
