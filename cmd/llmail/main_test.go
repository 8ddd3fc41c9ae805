package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/llmail/internal/model"
	"github.com/nhle/llmail/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, env := range []string{
		"IMAP_HOST", "IMAP_USERNAME", "IMAP_PASSWORD", "IMAP_TLS",
		"SMTP_HOST", "OPENAI_API_KEY", "JOURNAL", "HISTORY",
	} {
		t.Setenv(env, "")
	}
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunReportsMissingConfig(t *testing.T) {
	_, err := execute(t, "--imap-host", "imap.example.com")

	var cfgErr *model.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.NotContains(t, cfgErr.Missing, "imap.host")
	assert.Contains(t, cfgErr.Missing, "imap.username")
	assert.Contains(t, cfgErr.Missing, "openai.api_key")
}

func TestRunResolvesKeyringReferences(t *testing.T) {
	orig := secretLookup
	t.Cleanup(func() { secretLookup = orig })
	secretLookup = func(key string) (string, error) {
		return "", errors.New("keyring locked: " + key)
	}

	_, err := execute(t, "--imap-password", "keyring:imap-password")
	require.ErrorContains(t, err, "imap-password")
}

func TestListFoldersOnlyNeedsMailboxSettings(t *testing.T) {
	_, err := execute(t, "list-folders", "--imap-tls", "bogus")

	var cfgErr *model.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	for _, m := range cfgErr.Missing {
		assert.Contains(t, m, "imap.")
	}
	require.Len(t, cfgErr.Invalid, 1)
	assert.Contains(t, cfgErr.Invalid[0], "imap.tls")
}

func TestJournalRequiresPath(t *testing.T) {
	_, err := execute(t, "journal")
	require.ErrorContains(t, err, "no journal configured")
}

func TestJournalPrintsReplies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordReply(context.Background(), model.ReplyRecord{
		ConversationKey: "<m1@example.com>",
		TargetID:        "<m1@example.com>",
		ReplyMessageID:  "<r1@llmail>",
		Recipient:       "alice@example.com",
		Subject:         "Re: llmail autoreply",
		Folder:          "INBOX",
		SentAt:          time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.Close())

	out, err := execute(t, "journal", "--journal", path)
	require.NoError(t, err)
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, "Re: llmail autoreply")
}
