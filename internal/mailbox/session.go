package mailbox

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/nhle/llmail/internal/model"
)

// ErrNotFound is returned when no folder holds a matching message.
var ErrNotFound = errors.New("message not found in mailbox")

// fullMessage fetches the whole RFC 5322 message without setting \Seen.
var fullMessage = &imap.FetchItemBodySection{Peek: true}

// Session is one logged-in IMAP connection. It is not safe for concurrent
// use; commands run one at a time.
type Session struct {
	client   imapClient
	logger   zerolog.Logger
	selected string
	folders  []string
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	logoutErr := s.client.Logout().Wait()
	closeErr := s.client.Close()
	if logoutErr != nil {
		return fmt.Errorf("imap logout: %w", logoutErr)
	}
	return closeErr
}

// ListFolders returns every selectable folder. The result is cached for
// the life of the session.
func (s *Session) ListFolders(ctx context.Context) ([]string, error) {
	if s.folders != nil {
		return slices.Clone(s.folders), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}

	folders := make([]string, 0, len(data))
	for _, d := range data {
		if slices.Contains(d.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		folders = append(folders, d.Mailbox)
	}
	s.folders = folders
	return slices.Clone(folders), nil
}

// SearchSubject returns the messages in folder whose subject carries key,
// plain or with a "Re: " prefix.
func (s *Session) SearchSubject(ctx context.Context, folder, key string) ([]model.RawMessage, error) {
	if err := s.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{{
			{Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: key}}},
			{Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: "Re: " + key}}},
		}},
	}
	uids, err := s.search(folder, criteria)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("folder", folder).Int("count", len(uids)).Msg("subject search")
	return s.fetch(ctx, folder, uids)
}

// HasReplyTo reports whether any folder holds a message whose In-Reply-To
// is messageID.
func (s *Session) HasReplyTo(ctx context.Context, messageID string) (bool, error) {
	_, _, found, err := s.findFirst(ctx, "In-Reply-To", messageID)
	return found, err
}

// FindByMessageID fetches the first message in any folder whose
// Message-Id is messageID.
func (s *Session) FindByMessageID(ctx context.Context, messageID string) (model.RawMessage, error) {
	folder, uid, found, err := s.findFirst(ctx, "Message-Id", messageID)
	if err != nil {
		return model.RawMessage{}, err
	}
	if !found {
		return model.RawMessage{}, fmt.Errorf("%s: %w", messageID, ErrNotFound)
	}
	return s.FetchUID(ctx, folder, uint32(uid))
}

// FetchUID fetches one message by folder and UID.
func (s *Session) FetchUID(ctx context.Context, folder string, uid uint32) (model.RawMessage, error) {
	if err := s.selectFolder(ctx, folder); err != nil {
		return model.RawMessage{}, err
	}
	msgs, err := s.fetch(ctx, folder, []imap.UID{imap.UID(uid)})
	if err != nil {
		return model.RawMessage{}, err
	}
	if len(msgs) == 0 {
		return model.RawMessage{}, fmt.Errorf("%s#%d: %w", folder, uid, ErrNotFound)
	}
	return msgs[0], nil
}

// findFirst searches every folder for a header match. Folders that cannot
// be selected are skipped; a failed search is returned.
func (s *Session) findFirst(ctx context.Context, header, value string) (string, imap.UID, bool, error) {
	folders, err := s.ListFolders(ctx)
	if err != nil {
		return "", 0, false, err
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: header, Value: value}},
	}
	for _, folder := range folders {
		if err := s.selectFolder(ctx, folder); err != nil {
			if ctx.Err() != nil {
				return "", 0, false, ctx.Err()
			}
			s.logger.Debug().Err(err).Str("folder", folder).Msg("skipping folder")
			continue
		}
		uids, err := s.search(folder, criteria)
		if err != nil {
			return "", 0, false, err
		}
		if len(uids) > 0 {
			return folder, uids[0], true, nil
		}
	}
	return "", 0, false, nil
}

func (s *Session) selectFolder(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.selected == folder {
		return nil
	}
	if _, err := s.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		s.selected = ""
		return fmt.Errorf("imap select %s: %w", folder, err)
	}
	s.selected = folder
	return nil
}

func (s *Session) search(folder string, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search %s: %w", folder, err)
	}
	return data.AllUIDs(), nil
}

func (s *Session) fetch(ctx context.Context, folder string, uids []imap.UID) ([]model.RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{fullMessage},
	}
	bufs, err := s.client.Fetch(imap.UIDSetNum(uids...), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", folder, err)
	}

	out := make([]model.RawMessage, 0, len(bufs))
	for _, buf := range bufs {
		body := buf.FindBodySection(fullMessage)
		if body == nil {
			s.logger.Warn().Str("folder", folder).Uint32("uid", uint32(buf.UID)).Msg("fetch returned no body")
			continue
		}
		out = append(out, model.RawMessage{
			Folder:       folder,
			UID:          uint32(buf.UID),
			InternalDate: buf.InternalDate,
			Literal:      append([]byte(nil), body...),
		})
	}
	return out, nil
}
