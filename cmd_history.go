package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	_const "ollama_run/internal/const"
	"ollama_run/internal/logger"
	"ollama_run/internal/ui"
	"ollama_run/model"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent service state transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(logger.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.history == nil {
				return errors.New("transition history is unavailable")
			}
			rows, err := a.history.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				if rows == nil {
					rows = []model.Transition{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(rows)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderHistory(rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", _const.DefaultHistoryLimit, "number of transitions to show, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")
	return cmd
}

func newThresholdsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Show the effective resource thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg.Thresholds)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderThresholds(cfg.Thresholds))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")
	return cmd
}
