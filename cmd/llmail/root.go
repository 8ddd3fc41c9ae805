package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nhle/llmail/internal/ai"
	"github.com/nhle/llmail/internal/credential"
	"github.com/nhle/llmail/internal/logging"
	"github.com/nhle/llmail/internal/mailbox"
	"github.com/nhle/llmail/internal/model"
	"github.com/nhle/llmail/internal/sender"
	"github.com/nhle/llmail/internal/store"
	llsync "github.com/nhle/llmail/internal/sync"
)

// secretLookup resolves keyring references. Tests replace it.
var secretLookup = credential.System().Get

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llmail",
		Short: "Reply to mail with a language model",
		Long: `llmail scans an IMAP mailbox for messages with the configured subject,
groups them into conversations and answers every conversation that is
waiting on a reply. With --watch-interval it keeps doing so until stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAutoresponder,
	}

	cmd.PersistentFlags().String("config", model.DefaultConfigPath(), "path to the YAML config file")
	registerConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newListFoldersCmd(),
		newConfigureCmd(),
		newJournalCmd(),
	)
	return cmd
}

// registerConfigFlags adds one flag per config key. Only flags the user
// sets override the file and environment.
func registerConfigFlags(fs *pflag.FlagSet) {
	str := func(key, usage string) { fs.String(model.FlagName(key), "", usage) }
	num := func(key, usage string) { fs.Int(model.FlagName(key), 0, usage) }

	str("imap.host", "IMAP server hostname")
	num("imap.port", "IMAP server port")
	str("imap.username", "IMAP username, also the bot's address")
	str("imap.password", "IMAP password or keyring:<key>")
	str("imap.tls", "IMAP security: tls, starttls or insecure")
	str("smtp.host", "SMTP server hostname")
	num("smtp.port", "SMTP server port")
	str("smtp.username", "SMTP username (defaults to the IMAP username)")
	str("smtp.password", "SMTP password (defaults to the IMAP password)")
	str("smtp.tls", "SMTP security: tls, starttls or insecure")
	str("openai.api_key", "API key or keyring:<key>")
	str("openai.base_url", "OpenAI-compatible API base URL")
	str("openai.model", "model name")
	str("subject_key", "subject of messages to answer")
	str("folder", "comma-separated folders to scan (default all)")
	num("watch_interval", "seconds between cycles; 0 runs once")
	str("system_prompt", "system prompt sent before each conversation")
	str("alias", "display name on replies")
	str("message_id_domain", "domain part of generated Message-IDs")
	str("history", "transcript history: auto, conversation or mailbox")
	str("log_level", "debug, info, warn or error")
	str("log_format", "console or json")
	str("journal", "path of the SQLite reply journal")
}

// loadConfig reads the config for cmd and resolves keyring references.
func loadConfig(cmd *cobra.Command) (*model.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := model.LoadConfig(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(secretLookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *model.Config) (zerolog.Logger, error) {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runAutoresponder(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	journal, err := store.Open(cfg.Journal)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	mb := mailbox.NewClient(cfg.IMAP, mailbox.WithLogger(logger))
	gen := ai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	snd := sender.New(cfg.SMTP,
		sender.WithFrom(cfg.BotAddress()),
		sender.WithAlias(cfg.Alias),
		sender.WithMessageIDDomain(cfg.MessageIDDomain),
		sender.WithLogger(logger),
	)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	poller := llsync.New(*cfg, llsync.MailboxOpener(mb), gen, snd,
		llsync.WithJournal(journal),
		llsync.WithLogger(logger),
	)
	return poller.Run(ctx)
}
