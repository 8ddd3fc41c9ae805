// Package normalize turns raw mailbox items into model.Message values and
// filters out messages whose subject does not carry the subject key.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/nhle/llmail/internal/model"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ErrSubjectMismatch is matched by errors.Is for messages rejected by the
// subject filter.
var ErrSubjectMismatch = errors.New("subject does not match key")

// SubjectMismatchError reports a message whose subject is not the key.
type SubjectMismatchError struct {
	Folder  string
	UID     uint32
	Subject string
}

func (e *SubjectMismatchError) Error() string {
	return fmt.Sprintf("%s#%d: subject %q does not match key", e.Folder, e.UID, e.Subject)
}

func (e *SubjectMismatchError) Is(target error) bool {
	return target == ErrSubjectMismatch
}

// ParseError reports a message that could not be normalized.
type ParseError struct {
	Folder string
	UID    uint32
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s#%d: %v", e.Folder, e.UID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// zoneless layouts are tried when the Date header carries no offset.
var zoneless = []string{
	"Mon, 2 Jan 2006 15:04:05",
	"Mon, 2 Jan 2006 15:04",
	"2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04",
}

var blockBreak = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|tr|h[1-6])\s*>`)

// Normalizer converts raw items. It is safe for concurrent use.
type Normalizer struct {
	subject *regexp.Regexp
	strip   *bluemonday.Policy
}

// New returns a Normalizer that accepts subjects equal to key, ignoring
// case and any number of leading "Re:" or "Fwd:" prefixes.
func New(key string) *Normalizer {
	return &Normalizer{
		subject: subjectPattern(key),
		strip:   bluemonday.StrictPolicy(),
	}
}

func subjectPattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^(?:(?:fwd|re): ?)*` + regexp.QuoteMeta(key) + `$`)
}

// MatchSubject reports whether subject addresses the bot under key.
func MatchSubject(subject, key string) bool {
	return subjectPattern(key).MatchString(strings.TrimSpace(subject))
}

// Normalize parses raw into a Message. Messages outside the subject filter
// return a *SubjectMismatchError; malformed ones return a *ParseError.
func (n *Normalizer) Normalize(raw model.RawMessage) (model.Message, error) {
	return n.parse(raw, true)
}

// Parse is Normalize without the subject filter, for messages reached by
// following reply pointers.
func (n *Normalizer) Parse(raw model.RawMessage) (model.Message, error) {
	return n.parse(raw, false)
}

func (n *Normalizer) parse(raw model.RawMessage, filter bool) (model.Message, error) {
	fail := func(err error) (model.Message, error) {
		return model.Message{}, &ParseError{Folder: raw.Folder, UID: raw.UID, Err: err}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Literal))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return fail(fmt.Errorf("reading header: %w", err))
	}
	defer mr.Close()
	h := mr.Header

	subject, err := h.Subject()
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return fail(fmt.Errorf("decoding subject: %w", err))
	}
	subject = strings.TrimSpace(subject)
	if filter && !n.subject.MatchString(subject) {
		return model.Message{}, &SubjectMismatchError{Folder: raw.Folder, UID: raw.UID, Subject: subject}
	}

	from, err := h.AddressList("From")
	if err != nil {
		return fail(fmt.Errorf("parsing From: %w", err))
	}
	if len(from) == 0 || from[0].Address == "" {
		return fail(errors.New("missing From"))
	}

	ts, err := timestamp(h, raw.InternalDate)
	if err != nil {
		return fail(err)
	}

	body, err := n.body(mr)
	if err != nil {
		return fail(fmt.Errorf("reading body: %w", err))
	}

	msg := model.Message{
		ID:         model.LocalID(raw.Folder, raw.UID),
		Folder:     raw.Folder,
		UID:        raw.UID,
		References: strings.Fields(h.Get("References")),
		Subject:    subject,
		Sender:     strings.ToLower(from[0].Address),
		Timestamp:  ts,
		Body:       body,
	}
	if id := strings.TrimSpace(h.Get("Message-Id")); id != "" {
		msg.ID = model.DeclaredID(id)
	}
	if parents := strings.Fields(h.Get("In-Reply-To")); len(parents) > 0 {
		msg.InReplyTo = parents[0]
	}

	return msg, nil
}

func timestamp(h mail.Header, internal time.Time) (time.Time, error) {
	if t, err := h.Date(); err == nil && !t.IsZero() {
		return t.UTC(), nil
	}
	if v := strings.TrimSpace(h.Get("Date")); v != "" {
		for _, layout := range zoneless {
			if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
				return t, nil
			}
		}
	}
	if !internal.IsZero() {
		return internal.UTC(), nil
	}
	return time.Time{}, errors.New("no usable Date header or internal date")
}

// body picks the text content: the first text/plain part, verbatim for a
// single-part message and stripped of markup otherwise. Without any plain
// part the first text/html part is rendered to text.
func (n *Normalizer) body(mr *mail.Reader) (string, error) {
	multipart := strings.HasPrefix(contentType(mr.Header.Header), "multipart/")

	var htmlBody string
	var haveHTML bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return "", err
		}
		if part == nil {
			break
		}

		var ph gomessage.Header
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ph = h.Header
		case *mail.AttachmentHeader:
			// a part without Content-Type lands here too
			if disp, _, _ := h.ContentDisposition(); disp == "attachment" {
				continue
			}
			ph = h.Header
		default:
			continue
		}
		ct := contentType(ph)
		switch {
		case ct == "" || ct == "text/plain":
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return "", err
			}
			if !multipart {
				return string(data), nil
			}
			return n.toText(string(data)), nil
		case ct == "text/html" && !haveHTML:
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return "", err
			}
			htmlBody, haveHTML = string(data), true
		}
	}

	if haveHTML {
		return n.toText(htmlBody), nil
	}
	return "", nil
}

func (n *Normalizer) toText(s string) string {
	s = blockBreak.ReplaceAllStringFunc(s, func(tag string) string { return tag + "\n" })
	return strings.TrimSpace(html.UnescapeString(n.strip.Sanitize(s)))
}

func contentType(h gomessage.Header) string {
	t, _, err := h.ContentType()
	if err != nil {
		return ""
	}
	return strings.ToLower(t)
}
