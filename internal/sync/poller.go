// Package sync runs the fetch, thread, reply cycle against one mailbox.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/llmail/internal/mailbox"
	"github.com/nhle/llmail/internal/model"
	"github.com/nhle/llmail/internal/normalize"
	"github.com/nhle/llmail/internal/sender"
	"github.com/nhle/llmail/internal/thread"
)

// Session is the slice of a mailbox session one cycle needs.
type Session interface {
	ListFolders(ctx context.Context) ([]string, error)
	SearchSubject(ctx context.Context, folder, key string) ([]model.RawMessage, error)
	HasReplyTo(ctx context.Context, messageID string) (bool, error)
	FindByMessageID(ctx context.Context, messageID string) (model.RawMessage, error)
	FetchUID(ctx context.Context, folder string, uid uint32) (model.RawMessage, error)
	Close() error
}

// OpenFunc logs in and returns a fresh session.
type OpenFunc func(ctx context.Context) (Session, error)

// Generator produces reply text from a transcript.
type Generator interface {
	Complete(ctx context.Context, transcript []model.Entry) (string, error)
}

// Replier delivers a reply and returns its Message-ID.
type Replier interface {
	Send(ctx context.Context, r sender.Reply) (string, error)
}

// Recorder keeps the audit trail of sent replies.
type Recorder interface {
	RecordReply(ctx context.Context, rec model.ReplyRecord) error
}

// MailboxOpener adapts a mailbox client to an OpenFunc.
func MailboxOpener(c *mailbox.Client) OpenFunc {
	return func(ctx context.Context) (Session, error) {
		s, err := c.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Report summarizes one cycle.
type Report struct {
	Folders        int
	SkippedFolders int
	Fetched        int
	Ingested       int
	Skipped        int
	Conversations  int
	Targets        int
	Sent           int
	Failed         int
}

// Poller runs cycles. State never carries from one cycle to the next.
type Poller struct {
	cfg     model.Config
	open    OpenFunc
	gen     Generator
	send    Replier
	journal Recorder
	logger  zerolog.Logger
}

// Option customizes a Poller.
type Option func(*Poller)

// WithJournal records every sent reply in rec.
func WithJournal(rec Recorder) Option {
	return func(p *Poller) {
		if rec != nil {
			p.journal = rec
		}
	}
}

// WithLogger sets the root logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordReply(context.Context, model.ReplyRecord) error { return nil }

// New returns a Poller for cfg.
func New(cfg model.Config, open OpenFunc, gen Generator, send Replier, opts ...Option) *Poller {
	p := &Poller{
		cfg:     cfg,
		open:    open,
		gen:     gen,
		send:    send,
		journal: nopRecorder{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one cycle, or with a positive watch interval, cycles until
// ctx is cancelled. A failed cycle is logged and the loop continues.
func (p *Poller) Run(ctx context.Context) error {
	log := p.logger.With().Str("component", "poller").Logger()
	interval := time.Duration(p.cfg.WatchInterval) * time.Second

	if interval <= 0 {
		_, err := p.Cycle(ctx)
		return err
	}

	for {
		if _, err := p.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("cycle failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// Cycle opens one session, indexes every matching message in the scanned
// folders, then replies to each eligible target in turn.
func (p *Poller) Cycle(ctx context.Context) (Report, error) {
	log := p.logger.With().Str("component", "poller").Logger()
	var report Report

	sess, err := p.open(ctx)
	if err != nil {
		return report, fmt.Errorf("opening mailbox: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Msg("closing mailbox session")
		}
	}()

	folders := p.cfg.Folders()
	if len(folders) == 0 {
		folders, err = sess.ListFolders(ctx)
		if err != nil {
			return report, fmt.Errorf("listing folders: %w", err)
		}
	}

	bot := p.cfg.BotAddress()
	norm := normalize.New(p.cfg.SubjectKey)
	ix := thread.NewIndex(bot, p.logger)

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Folders++
		p.indexFolder(ctx, log, sess, norm, ix, folder, &report)
	}
	report.Conversations = ix.Len()

	targets := thread.NewEligibility(bot, sess, p.logger).Targets(ctx, ix)
	report.Targets = len(targets)

	tr := thread.NewTranscriber(
		bot, p.cfg.SystemPrompt, &mailboxLookup{session: sess, normalizer: norm}, p.logger,
		thread.WithHistory(p.cfg.History),
	)
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := p.reply(ctx, tr, t); err != nil {
			report.Failed++
			log.Warn().Err(err).Str("target", t.Message.ID.String()).Msg("reply failed")
			continue
		}
		report.Sent++
	}

	log.Info().
		Int("folders", report.Folders).
		Int("fetched", report.Fetched).
		Int("conversations", report.Conversations).
		Int("targets", report.Targets).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Msg("cycle complete")
	return report, nil
}

func (p *Poller) indexFolder(ctx context.Context, log zerolog.Logger, sess Session, norm *normalize.Normalizer, ix *thread.Index, folder string, report *Report) {
	raws, err := sess.SearchSubject(ctx, folder, p.cfg.SubjectKey)
	if err != nil {
		report.SkippedFolders++
		log.Warn().Err(err).Str("folder", folder).Msg("skipping folder")
		return
	}
	report.Fetched += len(raws)

	for _, raw := range raws {
		msg, err := norm.Normalize(raw)
		if err != nil {
			report.Skipped++
			ev := log.Warn()
			if errors.Is(err, normalize.ErrSubjectMismatch) {
				ev = log.Debug()
			}
			ev.Err(err).Str("folder", raw.Folder).Uint32("uid", raw.UID).Msg("skipping message")
			continue
		}
		switch ix.Ingest(msg) {
		case thread.Created, thread.Appended:
			report.Ingested++
		default:
			report.Skipped++
		}
	}
}

func (p *Poller) reply(ctx context.Context, tr *thread.Transcriber, t thread.Target) error {
	transcript, err := tr.ForTarget(ctx, t)
	if err != nil {
		return fmt.Errorf("building transcript: %w", err)
	}

	text, err := p.gen.Complete(ctx, transcript)
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("model returned an empty reply")
	}

	id, err := p.send.Send(ctx, sender.Reply{To: t.Message.Sender, Target: t.Message, Body: text})
	if err != nil {
		return err
	}

	rec := model.ReplyRecord{
		ConversationKey: t.Conversation.Key.String(),
		TargetID:        t.Message.ID.String(),
		ReplyMessageID:  id,
		Recipient:       t.Message.Sender,
		Subject:         sender.ReplySubject(t.Message.Subject),
		Folder:          t.Message.Folder,
	}
	if err := p.journal.RecordReply(ctx, rec); err != nil {
		p.logger.Warn().Str("component", "poller").Err(err).Str("message_id", id).Msg("recording reply in journal")
	}
	return nil
}
