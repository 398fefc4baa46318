package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

func newScanCmd(a *app) *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "scan <code>...",
		Short: "Record scanned ear tags into the active batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				for _, code := range args {
					var (
						tag models.Tag
						err error
					)
					if batchID != "" {
						tag, err = s.engine.RecordScanInto(cmd.Context(), code, batchID)
					} else {
						tag, err = s.engine.RecordScan(cmd.Context(), code)
					}
					if errors.Is(err, errors.ErrDuplicate) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", warnStyle.Render("duplicate"), code)
						continue
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", okStyle.Render("recorded"), tag.Code, dimStyle.Render(tag.ID))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "record into this batch instead of the active one")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <tag-id> <status>",
		Short: "Set a tag's status (PENDING, CONFIRMED, UNREGISTERED, WITHDRAWN)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := models.ParseTagStatus(args[1])
			if err != nil {
				return errors.Validation(err.Error())
			}
			return a.withSession(cmd.Context(), func(s *session) error {
				tag, err := s.engine.UpdateStatus(cmd.Context(), args[0], status)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", tag.Code, statusStyle(tag.Status).Render(string(tag.Status)))
				return nil
			})
		},
	}
}

func newNotesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "notes <tag-id> [text]",
		Short: "Set or clear a tag's notes",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var notes string
			if len(args) == 2 {
				notes = args[1]
			}
			return a.withSession(cmd.Context(), func(s *session) error {
				tag, err := s.engine.UpdateNotes(cmd.Context(), args[0], notes)
				if err != nil {
					return err
				}
				if tag.Notes == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  notes cleared\n", tag.Code)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", tag.Code, *tag.Notes)
				}
				return nil
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tag-id>",
		Short: "Delete a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				if err := s.engine.DeleteTag(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			})
		},
	}
}
