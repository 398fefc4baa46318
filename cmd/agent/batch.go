package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

func newBatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "batch",
		Aliases: []string{"lote"},
		Short:   "Manage batches",
	}
	cmd.AddCommand(
		newBatchCreateCmd(a),
		newBatchSetClosedCmd(a, "close", true),
		newBatchSetClosedCmd(a, "reopen", false),
		newBatchDeleteCmd(a),
		newBatchSelectCmd(a),
		newBatchListCmd(a),
	)
	return cmd
}

func newBatchCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a batch and make it active (default name: Lote <date>)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			return a.withSession(cmd.Context(), func(s *session) error {
				b, err := s.engine.CreateBatch(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", okStyle.Render("created"), b.Name, dimStyle.Render(b.ID))
				return nil
			})
		},
	}
}

func newBatchSetClosedCmd(a *app, use string, closed bool) *cobra.Command {
	short := "Close a batch to further scans"
	if !closed {
		short = "Reopen a closed batch"
	}
	return &cobra.Command{
		Use:   use + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				var (
					b   models.Batch
					err error
				)
				if closed {
					b, err = s.engine.CloseBatch(cmd.Context(), args[0])
				} else {
					b, err = s.engine.ReopenBatch(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", b.Name, batchState(b))
				return nil
			})
		},
	}
}

func newBatchDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <batch-id>",
		Short: "Delete a batch and every tag in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				err := s.engine.DeleteBatch(cmd.Context(), args[0])
				if errors.Is(err, errors.ErrCascadeFailure) {
					return fmt.Errorf("%w (local copy kept, run drain to retry)", err)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			})
		},
	}
}

func newBatchSelectCmd(a *app) *cobra.Command {
	var unassigned, reset bool
	cmd := &cobra.Command{
		Use:   "select [batch-id]",
		Short: "Choose where scans go",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (unassigned || reset) || (unassigned && reset) {
				return errors.Validation("give exactly one of a batch id, --unassigned or --clear")
			}
			return a.withSession(cmd.Context(), func(s *session) error {
				ctx := cmd.Context()
				switch {
				case unassigned:
					if err := s.engine.SelectUnassigned(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "scans go to unassigned tags")
				case reset:
					if err := s.engine.ClearSelection(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "selection cleared")
				default:
					if err := s.engine.SelectBatch(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "active batch", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unassigned, "unassigned", false, "scan without a batch")
	cmd.Flags().BoolVar(&reset, "clear", false, "clear the selection")
	return cmd
}

func newBatchListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List batches with their tag counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				v, err := s.engine.LoadView(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderBatches(v))
				return nil
			})
		},
	}
}
