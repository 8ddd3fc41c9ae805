package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/llmail/internal/model"
	"github.com/nhle/llmail/internal/store"
	"github.com/nhle/llmail/internal/theme"
)

func newJournalCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show replies recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := model.LoadConfig(path, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Journal == "" {
				return errors.New("no journal configured; set --journal or JOURNAL")
			}

			j, err := store.NewSQLiteStore(cfg.Journal)
			if err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			defer j.Close()

			recs, err := j.ListReplies(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, theme.MutedStyle.Render("No replies recorded."))
				return nil
			}
			fmt.Fprintln(out, journalTable(recs))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of replies to show; 0 shows all")
	return cmd
}

func journalTable(recs []model.ReplyRecord) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.SentAt.Local().Format("2006-01-02 15:04"),
			r.Recipient,
			r.Subject,
			r.Folder,
			r.TargetID,
		})
	}
	return theme.Table([]string{"Sent", "To", "Subject", "Folder", "In reply to"}, rows).Render()
}
