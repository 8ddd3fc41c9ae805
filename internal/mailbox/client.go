// Package mailbox reads the bot's mailbox over IMAP.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/llmail/internal/model"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	List(ref, pattern string, options *imap.ListOptions) listWaiter
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type listWaiter interface {
	Collect() ([]*imap.ListData, error)
}
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// AuthError indicates that the server rejected the login.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("imap authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Client opens sessions against one IMAP account.
type Client struct {
	cfg         model.ServerConfig
	dialTimeout time.Duration
	logger      zerolog.Logger
	newClient   func(model.ServerConfig) (imapClient, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for mailbox diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

func withClientFactory(factory func(model.ServerConfig) (imapClient, error)) Option {
	return func(c *Client) {
		c.newClient = factory
	}
}

// NewClient returns a Client for cfg.
func NewClient(cfg model.ServerConfig, opts ...Option) *Client {
	c := &Client{
		cfg:         cfg,
		dialTimeout: 30 * time.Second,
		logger:      zerolog.Nop(),
	}
	c.newClient = c.dial
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "mailbox").Logger()
	return c
}

// Open connects and logs in. The caller must Close the session.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := c.newClient(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", c.cfg.Addr(), err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, &AuthError{Username: c.cfg.Username, Err: err}
	}

	c.logger.Debug().Str("addr", c.cfg.Addr()).Msg("logged in")
	return &Session{client: client, logger: c.logger}, nil
}

func (c *Client) dial(cfg model.ServerConfig) (imapClient, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap host is empty")
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: c.dialTimeout}}

	var client *imapclient.Client
	var err error
	switch cfg.TLS {
	case model.TLSStartTLS:
		client, err = imapclient.DialStartTLS(cfg.Addr(), opts)
	case model.TLSNone:
		client, err = imapclient.DialInsecure(cfg.Addr(), opts)
	default:
		client, err = imapclient.DialTLS(cfg.Addr(), opts)
	}
	if err != nil {
		return nil, err
	}
	return &clientWrapper{Client: client}, nil
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *clientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *clientWrapper) List(ref, pattern string, options *imap.ListOptions) listWaiter {
	return w.Client.List(ref, pattern, options)
}
func (w *clientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *clientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *clientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
