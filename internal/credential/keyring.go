// Package credential keeps llmail's passwords and API key in the OS
// keyring. Config files refer to them as "keyring:<key>".
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "llmail"

// Store reads and writes secrets in one keyring.
type Store struct {
	open func() (keyring.Keyring, error)
}

// System returns the store backed by the platform keyring.
func System() *Store {
	return &Store{open: openKeyring}
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{open: func() (keyring.Keyring, error) { return ring, nil }}
}

// openKeyring returns the platform keyring, falling back to an encrypted
// file under ~/.config/llmail.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/llmail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("llmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get returns the secret stored under key.
func (s *Store) Get(key string) (string, error) {
	ring, err := s.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores value under key, replacing any previous secret.
func (s *Store) Set(key, value string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       "llmail " + key,
		Description: "llmail secret",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes key. A key that is already gone is not an error.
func (s *Store) Delete(key string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
