// Package sender composes replies and delivers them over SMTP.
package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/llmail/internal/model"
)

// Reply is an outgoing answer to a target message.
type Reply struct {
	// To is the recipient, normally the target's sender.
	To     string
	Target model.Message
	Body   string
}

// transport delivers a composed message using the given TLS mode.
type transport func(ctx context.Context, cfg model.ServerConfig, mode, from, to string, msg []byte) error

// Sender sends replies from one SMTP account.
type Sender struct {
	cfg    model.ServerConfig
	from   string
	alias  string
	domain string
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
	send   transport
}

// Option customizes a Sender.
type Option func(*Sender)

// WithAlias sets the display name used in the From header.
func WithAlias(alias string) Option {
	return func(s *Sender) {
		s.alias = alias
	}
}

// WithMessageIDDomain sets the right-hand side of generated Message-IDs.
func WithMessageIDDomain(domain string) Option {
	return func(s *Sender) {
		if domain != "" {
			s.domain = domain
		}
	}
}

// WithFrom overrides the sending address, which defaults to the SMTP
// username.
func WithFrom(from string) Option {
	return func(s *Sender) {
		if from != "" {
			s.from = from
		}
	}
}

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sender) {
		s.logger = logger
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

func withTransport(t transport) Option {
	return func(s *Sender) {
		s.send = t
	}
}

func withIDGenerator(gen func() string) Option {
	return func(s *Sender) {
		s.newID = gen
	}
}

// New returns a Sender for cfg.
func New(cfg model.ServerConfig, opts ...Option) *Sender {
	s := &Sender{
		cfg:    cfg,
		from:   cfg.Username,
		domain: "llmail",
		logger: zerolog.Nop(),
		now:    time.Now,
		newID:  uuid.NewString,
		send:   deliver,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "sender").Logger()
	return s
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// Compose renders r as an RFC 5322 message and returns it with its
// Message-ID.
func (s *Sender) Compose(r Reply) (string, []byte, error) {
	if r.To == "" {
		return "", nil, errors.New("reply has no recipient")
	}

	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: s.alias, Address: s.from}})
	h.SetAddressList("To", []*mail.Address{{Address: r.To}})
	h.SetSubject(ReplySubject(r.Target.Subject))

	id := s.newID() + "@" + s.domain
	h.SetMessageID(id)

	refs := append([]string(nil), r.Target.References...)
	if r.Target.ID.IsDeclared() {
		h.Set("In-Reply-To", r.Target.ID.Declared)
		refs = append(refs, r.Target.ID.Declared)
	}
	if len(refs) > 0 {
		h.Set("References", strings.Join(refs, " "))
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", nil, fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, r.Body); err != nil {
		return "", nil, fmt.Errorf("writing reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("closing reply body: %w", err)
	}

	return "<" + id + ">", buf.Bytes(), nil
}

// Send composes and delivers r, returning the new Message-ID. An implicit
// TLS connection to a server that answers in plaintext is retried once
// with STARTTLS.
func (s *Sender) Send(ctx context.Context, r Reply) (string, error) {
	id, msg, err := s.Compose(r)
	if err != nil {
		return "", err
	}

	mode := s.cfg.TLS
	if mode == "" {
		mode = model.TLSImplicit
	}

	err = s.send(ctx, s.cfg, mode, s.from, r.To, msg)
	if err != nil && mode == model.TLSImplicit && isTLSMismatch(err) {
		s.logger.Warn().Err(err).Str("addr", s.cfg.Addr()).Msg("server did not speak TLS, retrying with STARTTLS")
		err = s.send(ctx, s.cfg, model.TLSStartTLS, s.from, r.To, msg)
	}
	if err != nil {
		return "", fmt.Errorf("sending reply to %s: %w", r.To, err)
	}

	s.logger.Info().Str("to", r.To).Str("message_id", id).Str("in_reply_to", r.Target.ID.String()).Msg("reply sent")
	return id, nil
}

func isTLSMismatch(err error) bool {
	var rhe tls.RecordHeaderError
	return errors.As(err, &rhe)
}
