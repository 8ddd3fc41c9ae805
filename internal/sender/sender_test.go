package sender

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/llmail/internal/model"
)

type sendCall struct {
	mode, from, to string
	msg            []byte
}

type fakeTransport struct {
	calls []sendCall
	errs  []error
}

func (f *fakeTransport) send(_ context.Context, _ model.ServerConfig, mode, from, to string, msg []byte) error {
	f.calls = append(f.calls, sendCall{mode: mode, from: from, to: to, msg: msg})
	if len(f.errs) >= len(f.calls) {
		return f.errs[len(f.calls)-1]
	}
	return nil
}

func target() model.Message {
	return model.Message{
		ID:         model.DeclaredID("<m3@example.com>"),
		References: []string{"<m1@example.com>", "<m2@example.com>"},
		Subject:    "Re: llmail autoreply",
		Sender:     "alice@example.com",
	}
}

func newTestSender(ft *fakeTransport, opts ...Option) *Sender {
	base := []Option{
		withTransport(ft.send),
		withIDGenerator(func() string { return "fixed-id" }),
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }),
	}
	cfg := model.ServerConfig{Host: "smtp.example.com", Port: 465, Username: "bot@example.com", TLS: model.TLSImplicit}
	return New(cfg, append(base, opts...)...)
}

func readHeader(t *testing.T, msg []byte) (mail.Header, string) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(msg))
	require.NoError(t, err)
	part, err := mr.NextPart()
	require.NoError(t, err)
	var body bytes.Buffer
	_, err = body.ReadFrom(part.Body)
	require.NoError(t, err)
	return mr.Header, body.String()
}

func TestComposeThreadsReply(t *testing.T) {
	s := newTestSender(&fakeTransport{}, WithAlias("Helpful Bot"), WithMessageIDDomain("bot.example.com"))

	id, msg, err := s.Compose(Reply{To: "alice@example.com", Target: target(), Body: "Hello Alice"})
	require.NoError(t, err)
	assert.Equal(t, "<fixed-id@bot.example.com>", id)

	h, body := readHeader(t, msg)
	assert.Equal(t, "<fixed-id@bot.example.com>", h.Get("Message-Id"))
	assert.Equal(t, "<m3@example.com>", h.Get("In-Reply-To"))
	assert.Equal(t, "<m1@example.com> <m2@example.com> <m3@example.com>", h.Get("References"))

	subject, err := h.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Re: llmail autoreply", subject)

	from, err := h.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "Helpful Bot", from[0].Name)
	assert.Equal(t, "bot@example.com", from[0].Address)

	to, err := h.AddressList("To")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", to[0].Address)

	assert.Equal(t, "Hello Alice", body)
}

func TestComposeDefaultDomainAndLocalTarget(t *testing.T) {
	s := newTestSender(&fakeTransport{})
	tgt := model.Message{ID: model.LocalID("INBOX", 4), Subject: "llmail autoreply"}

	id, msg, err := s.Compose(Reply{To: "alice@example.com", Target: tgt, Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "<fixed-id@llmail>", id)

	h, _ := readHeader(t, msg)
	assert.Empty(t, h.Get("In-Reply-To"))
	assert.Empty(t, h.Get("References"))
	subject, _ := h.Subject()
	assert.Equal(t, "Re: llmail autoreply", subject)
}

func TestComposeRequiresRecipient(t *testing.T) {
	s := newTestSender(&fakeTransport{})
	_, _, err := s.Compose(Reply{Target: target()})
	require.Error(t, err)
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: hello", ReplySubject("hello"))
	assert.Equal(t, "Re: hello", ReplySubject("Re: hello"))
	assert.Equal(t, "RE: hello", ReplySubject("RE: hello"))
	assert.Equal(t, "Re: Fwd: hello", ReplySubject("Fwd: hello"))
}

func TestSendRetriesWithStartTLSOnMismatch(t *testing.T) {
	ft := &fakeTransport{errs: []error{
		fmt.Errorf("TLS dial: %w", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}),
	}}
	s := newTestSender(ft)

	id, err := s.Send(context.Background(), Reply{To: "alice@example.com", Target: target(), Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, "<fixed-id@llmail>", id)
	require.Len(t, ft.calls, 2)
	assert.Equal(t, model.TLSImplicit, ft.calls[0].mode)
	assert.Equal(t, model.TLSStartTLS, ft.calls[1].mode)
	assert.Equal(t, ft.calls[0].msg, ft.calls[1].msg)
	assert.Equal(t, "bot@example.com", ft.calls[1].from)
}

func TestSendDoesNotRetryOtherErrors(t *testing.T) {
	ft := &fakeTransport{errs: []error{errors.New("SMTP auth: 535 bad credentials")}}
	s := newTestSender(ft)

	_, err := s.Send(context.Background(), Reply{To: "alice@example.com", Target: target(), Body: "x"})
	require.ErrorContains(t, err, "535")
	assert.Len(t, ft.calls, 1)
}

func TestSendRetriesOnlyOnce(t *testing.T) {
	mismatch := tls.RecordHeaderError{Msg: "not tls"}
	ft := &fakeTransport{errs: []error{mismatch, errors.New("SMTP STARTTLS: unsupported")}}
	s := newTestSender(ft)

	_, err := s.Send(context.Background(), Reply{To: "alice@example.com", Target: target(), Body: "x"})
	require.ErrorContains(t, err, "STARTTLS")
	assert.Len(t, ft.calls, 2)
}

func TestDeliverDetectsPlaintextServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("220 mail.example.com ESMTP ready\r\n"))
		buf := make([]byte, 512)
		_, _ = conn.Read(buf)
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := model.ServerConfig{Host: host, Port: port}
	err = deliver(context.Background(), cfg, model.TLSImplicit, "bot@example.com", "alice@example.com", []byte("x"))
	require.Error(t, err)
	assert.True(t, isTLSMismatch(err))
}

// fakeSMTP serves one plaintext SMTP session and reports the commands it saw.
func fakeSMTP(t *testing.T, ehlo string) (model.ServerConfig, <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	seen := make(chan []string, 1)
	go func() {
		var cmds []string
		defer func() { seen <- cmds }()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		reply("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			cmds = append(cmds, verb)
			switch verb {
			case "EHLO":
				reply(ehlo)
			case "AUTH":
				reply("235 2.7.0 accepted")
			case "MAIL", "RCPT":
				reply("250 ok")
			case "DATA":
				reply("354 go ahead")
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
				}
				reply("250 queued")
			case "QUIT":
				reply("221 bye")
				return
			default:
				reply("502 unknown")
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return model.ServerConfig{Host: host, Port: port, Username: "bot@example.com", Password: "secret"}, seen
}

func TestDeliverInsecureSkipsAuthWhenNotOffered(t *testing.T) {
	cfg, seen := fakeSMTP(t, "250-localhost\r\n250 8BITMIME")

	err := deliver(context.Background(), cfg, model.TLSNone, "bot@example.com", "alice@example.com", []byte("Subject: x\r\n\r\nhi\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"EHLO", "MAIL", "RCPT", "DATA", "QUIT"}, <-seen)
}

func TestDeliverInsecureAuthenticatesOnLocalhost(t *testing.T) {
	cfg, seen := fakeSMTP(t, "250-localhost\r\n250 AUTH PLAIN")

	err := deliver(context.Background(), cfg, model.TLSNone, "bot@example.com", "alice@example.com", []byte("Subject: x\r\n\r\nhi\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"}, <-seen)
}
