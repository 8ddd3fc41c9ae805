package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/llmail/internal/mailbox"
	"github.com/nhle/llmail/internal/model"
	"github.com/nhle/llmail/internal/theme"
)

func newListFoldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-folders",
		Short: "Log in and print the mailbox folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireIMAP(cfg); err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sess, err := mailbox.NewClient(cfg.IMAP, mailbox.WithLogger(logger)).Open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			folders, err := sess.ListFolders(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, theme.HeaderStyle.Render("Folders"))
			for _, f := range folders {
				fmt.Fprintln(out, f)
			}
			return nil
		},
	}
}

// requireIMAP reports only the mailbox part of a validation failure.
func requireIMAP(cfg *model.Config) error {
	err := cfg.Validate()
	var cfgErr *model.ConfigError
	if !errors.As(err, &cfgErr) {
		return err
	}
	filtered := &model.ConfigError{}
	for _, m := range cfgErr.Missing {
		if strings.HasPrefix(m, "imap.") {
			filtered.Missing = append(filtered.Missing, m)
		}
	}
	for _, m := range cfgErr.Invalid {
		if strings.HasPrefix(m, "imap.") {
			filtered.Invalid = append(filtered.Invalid, m)
		}
	}
	if len(filtered.Missing) == 0 && len(filtered.Invalid) == 0 {
		return nil
	}
	return filtered
}
