package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/llmail/internal/credential"
	"github.com/nhle/llmail/internal/theme"
	"github.com/nhle/llmail/internal/ui/setup"
)

func newConfigureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Interactively write the config file",
		Long: `configure asks for the mailbox, sending and model settings and writes
them to the config file. Passwords and the API key are stored in the OS
keyring; the file only holds keyring: references to them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			if err := setup.Run(path, credential.System()); err != nil {
				if errors.Is(err, setup.ErrAborted) {
					fmt.Fprintln(cmd.OutOrStdout(), theme.WarningStyle.Render("Nothing saved."))
					return nil
				}
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), theme.SuccessStyle.Render("Saved")+" "+theme.MutedStyle.Render(path))
			return nil
		},
	}
}
