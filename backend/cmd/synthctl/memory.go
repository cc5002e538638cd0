package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"synthmemory/backend/internal/engine"
)

const shutdownTimeout = 10 * time.Second

func closeEngine(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = eng.Shutdown(ctx)
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "ingest <text>",
		Short: "Index one message into both stores and print its record id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(eng)

			id, err := eng.Ingest(ctx, args[0], mode)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "default", "Mode (namespace) to tag the record with")
	return cmd
}

func newRecallCmd(opts *rootOptions) *cobra.Command {
	var (
		mode    string
		asJSON  bool
		showAll bool
	)

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Run hybrid retrieval for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(eng)

			hits := eng.Recall(ctx, args[0], nil, mode)
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(hits)
			}

			if len(hits) == 0 {
				fmt.Fprintln(out, "no memories recalled")
				return nil
			}
			for i, h := range hits {
				if showAll {
					fmt.Fprintf(out, "%2d. [%s %.5f] %s\n", i+1, h.Source, h.Score, h.Text())
				} else {
					fmt.Fprintf(out, "%2d. %s\n", i+1, h.Text())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "default", "Mode of the querying session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print hits as JSON")
	cmd.Flags().BoolVarP(&showAll, "verbose", "v", false, "Show source and fused score")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store sizes as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(eng)

			stats, err := eng.Stats(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}
