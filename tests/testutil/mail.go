package testutil

import (
	"strings"
	"time"

	"github.com/nhle/llmail/internal/model"
)

// Mail describes an RFC 5322 fixture. Empty header fields are omitted.
type Mail struct {
	MessageID   string
	InReplyTo   string
	References  string
	From        string
	To          string
	Subject     string
	Date        string
	ContentType string
	Headers     []string
	Body        string
}

// Bytes renders the fixture with CRLF line endings.
func (m Mail) Bytes() []byte {
	var b strings.Builder
	add := func(k, v string) {
		if v != "" {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	add("Message-Id", m.MessageID)
	add("In-Reply-To", m.InReplyTo)
	add("References", m.References)
	add("From", m.From)
	add("To", m.To)
	add("Subject", m.Subject)
	add("Date", m.Date)
	add("MIME-Version", "1.0")
	ct := m.ContentType
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	add("Content-Type", ct)
	for _, h := range m.Headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// Raw wraps the fixture as a fetched mailbox item.
func (m Mail) Raw(folder string, uid uint32) model.RawMessage {
	return model.RawMessage{
		Folder:       folder,
		UID:          uid,
		InternalDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Literal:      m.Bytes(),
	}
}

// Msg builds a normalized message directly, for tests that start past the
// normalizer.
func Msg(id, sender string, minute int, refs ...string) model.Message {
	m := model.Message{
		ID:         model.DeclaredID(id),
		Folder:     "INBOX",
		References: refs,
		Subject:    "llmail autoreply",
		Sender:     sender,
		Timestamp:  time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC),
		Body:       "body of " + id,
	}
	if len(refs) > 0 {
		m.InReplyTo = refs[len(refs)-1]
	}
	return m
}
