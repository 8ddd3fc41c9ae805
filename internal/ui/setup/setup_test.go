package setup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/llmail/internal/credential"
	"github.com/nhle/llmail/internal/model"
)

type memKeyring struct {
	items   map[string]string
	deleted []string
	setErr  error
}

func newMemKeyring() *memKeyring {
	return &memKeyring{items: map[string]string{}}
}

func (m *memKeyring) Set(key, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.items[key] = value
	return nil
}

func (m *memKeyring) Delete(key string) error {
	m.deleted = append(m.deleted, key)
	delete(m.items, key)
	return nil
}

func TestApplyStoresSecretsInKeyring(t *testing.T) {
	cfg := &model.Config{}
	a := FromConfig(cfg)
	a.IMAPHost = " imap.example.com "
	a.IMAPPort = "993"
	a.Username = "bot@example.com"
	a.Password = "hunter2"
	a.SMTPHost = "smtp.example.com"
	a.SMTPPort = ""
	a.APIKey = "sk-test"
	a.SubjectKey = "llmail autoreply"
	a.WatchInterval = "60"

	ring := newMemKeyring()
	require.NoError(t, a.Apply(cfg, ring))

	assert.Equal(t, "imap.example.com", cfg.IMAP.Host)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.Equal(t, model.TLSImplicit, cfg.IMAP.TLS)
	assert.Equal(t, 465, cfg.SMTP.Port)
	assert.Equal(t, 60, cfg.WatchInterval)

	assert.Equal(t, "keyring:imap-password", cfg.IMAP.Password)
	assert.Equal(t, "keyring:openai-api-key", cfg.OpenAI.APIKey)
	assert.Empty(t, cfg.SMTP.Password)
	assert.Empty(t, cfg.SMTP.Username)
	assert.Equal(t, map[string]string{"imap-password": "hunter2", "openai-api-key": "sk-test"}, ring.items)
	assert.Empty(t, ring.deleted)
}

func TestApplyKeepsExistingSecrets(t *testing.T) {
	cfg := &model.Config{
		IMAP:   model.ServerConfig{Host: "imap.example.com", Port: 143, Username: "bot@example.com", Password: "keyring:imap-password"},
		SMTP:   model.ServerConfig{Host: "smtp.example.com", Port: 587, Username: "relay", Password: "keyring:smtp-password"},
		OpenAI: model.OpenAIConfig{APIKey: "keyring:openai-api-key"},
	}
	a := FromConfig(cfg)
	assert.Equal(t, "143", a.IMAPPort)
	assert.True(t, a.SeparateSMTP)
	assert.Empty(t, a.Password)

	ring := newMemKeyring()
	require.NoError(t, a.Apply(cfg, ring))

	assert.Empty(t, ring.items)
	assert.Empty(t, ring.deleted)
	assert.Equal(t, "keyring:imap-password", cfg.IMAP.Password)
	assert.Equal(t, "keyring:smtp-password", cfg.SMTP.Password)
	assert.Equal(t, "relay", cfg.SMTP.Username)
	assert.Equal(t, 587, cfg.SMTP.Port)
}

func TestApplySeparateSMTPLogin(t *testing.T) {
	cfg := &model.Config{}
	a := FromConfig(cfg)
	assert.False(t, a.SeparateSMTP)
	a.SeparateSMTP = true
	a.SMTPUsername = "relay@example.com"
	a.SMTPPassword = "relay-secret"

	ring := newMemKeyring()
	require.NoError(t, a.Apply(cfg, ring))
	assert.Equal(t, "relay@example.com", cfg.SMTP.Username)
	assert.Equal(t, "keyring:smtp-password", cfg.SMTP.Password)
	assert.Equal(t, "relay-secret", ring.items["smtp-password"])
}

func TestApplyDropsSMTPLoginWhenShared(t *testing.T) {
	cfg := &model.Config{
		IMAP: model.ServerConfig{Username: "bot@example.com", Password: "keyring:imap-password"},
		SMTP: model.ServerConfig{Username: "relay", Password: "keyring:smtp-password"},
	}
	a := FromConfig(cfg)
	a.SeparateSMTP = false

	ring := newMemKeyring()
	ring.items["smtp-password"] = "old"
	require.NoError(t, a.Apply(cfg, ring))

	assert.Equal(t, []string{"smtp-password"}, ring.deleted)
	assert.NotContains(t, ring.items, "smtp-password")
	assert.Empty(t, cfg.SMTP.Username)
	assert.Empty(t, cfg.SMTP.Password)
}

func TestApplyRemovesStaleSMTPPasswordFromKeyring(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{
		{Key: SMTPPasswordKey, Data: []byte("old")},
		{Key: IMAPPasswordKey, Data: []byte("hunter2")},
	})
	store := credential.NewStore(ring)
	cfg := &model.Config{
		IMAP: model.ServerConfig{Username: "bot@example.com", Password: "keyring:imap-password"},
		SMTP: model.ServerConfig{Username: "relay", Password: "keyring:smtp-password"},
	}
	a := FromConfig(cfg)
	a.SeparateSMTP = false
	require.NoError(t, a.Apply(cfg, store))

	_, err := store.Get(SMTPPasswordKey)
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)
	got, err := store.Get(IMAPPasswordKey)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestApplyKeyringFailure(t *testing.T) {
	a := FromConfig(&model.Config{})
	a.Password = "x"
	ring := newMemKeyring()
	ring.setErr = errors.New("locked")
	err := a.Apply(&model.Config{}, ring)
	require.ErrorContains(t, err, "imap-password")
}

func TestApplyRejectsBadPort(t *testing.T) {
	a := FromConfig(&model.Config{})
	a.IMAPPort = "99999"
	require.Error(t, a.Apply(&model.Config{}, newMemKeyring()))
}

func TestEnvironmentSecretsNeverReachTheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
imap:
  host: imap.example.com
  username: bot@example.com
smtp:
  host: smtp.example.com
`), 0o600))
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("IMAP_PASSWORD", "hunter2")

	cfg, err := model.ReadConfigFile(path)
	require.NoError(t, err)
	a := FromConfig(cfg)
	require.NoError(t, a.Apply(cfg, newMemKeyring()))
	require.NoError(t, model.SaveConfig(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "sk-from-env")
	assert.Contains(t, string(data), "imap.example.com")
}

func TestValidators(t *testing.T) {
	assert.Error(t, validateRequired("Host")("  "))
	assert.NoError(t, validateRequired("Host")("x"))

	assert.NoError(t, validatePort("993"))
	assert.Error(t, validatePort(""))
	assert.Error(t, validatePort("abc"))
	assert.Error(t, validatePort("0"))

	assert.NoError(t, validateInterval(""))
	assert.NoError(t, validateInterval("30"))
	assert.Error(t, validateInterval("-1"))
}

func TestFormBuilds(t *testing.T) {
	assert.NotNil(t, FromConfig(&model.Config{}).Form())
}
