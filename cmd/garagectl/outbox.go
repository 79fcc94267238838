package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDispatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass over the outbox and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.dispatcher.DispatchPending(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newDeadLettersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and redrive dead-lettered deliveries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered deliveries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			letters, err := a.dispatcher.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), letters)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "redrive <event-id> <handler>",
		Short: "Reset a dead-lettered delivery and dispatch it again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.dispatcher.Redrive(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if a.archive != nil {
				removed, err := a.archive.Forget(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				a.logger.Info("pruned archived dead letters", zap.String("event_id", args[0]), zap.String("handler", args[1]), zap.Int("removed", removed))
			}
			report, err := a.dispatcher.DispatchPending(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	})
	var handler string
	archived := &cobra.Command{
		Use:   "archived",
		Short: "Print dead letters kept in the configured archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.archive == nil {
				return errors.New("no dead-letter archive configured (archive.driver is none)")
			}
			letters, err := a.archive.Archived(cmd.Context(), handler)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), letters)
		},
	}
	archived.Flags().StringVar(&handler, "handler", "", "only show letters for this handler")
	cmd.AddCommand(archived)
	return cmd
}

func newTCOCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tco <vehicle-id>",
		Short: "Print a vehicle's total cost of ownership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			tco, err := a.service.Queries().TotalCostOfOwnership(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tco)
		},
	}
}
