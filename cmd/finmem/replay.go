package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/agent"
	"github.com/nidhogg/finmem/internal/replay"
)

func replayCmd() *cobra.Command {
	var (
		opts   replay.Options
		resume bool
		save   bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "replay [csv]",
		Short: "Backtest the agent over a CSV of closes and headlines",
		Long: `Replay a CSV with the columns timestamp,asset,close,text,next_close.

Each row is ingested as a price tick (and a headline when text is set), a
recommendation is made and, when next_close is present, the realised move
is fed back as a reward.

Examples:
  finmem replay data/btc.csv --window 7 --scale 1
  finmem replay data/btc.csv --resume --save --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rows, err := replay.ReadCSV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			ctx := cmd.Context()
			cfg.Persistence.LoadOnStart = resume
			if !resume && !save {
				cfg.Persistence.Backend = "none"
			}
			a, err := agent.FromConfig(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build agent: %w", err)
			}
			defer a.Close(ctx)

			sum, err := replay.Run(ctx, a, rows, opts, logger)
			if err != nil {
				return err
			}
			if save {
				info, err := a.Save(ctx)
				if err != nil {
					return err
				}
				logger.Info("snapshot saved", zap.Int("bytes", info.Bytes), zap.Int("decisions", info.Decisions))
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}
			fmt.Fprintf(out, "rows:        %d\n", sum.Rows)
			fmt.Fprintf(out, "decisions:   %d\n", sum.Decisions)
			fmt.Fprintf(out, "resolved:    %d\n", sum.Resolved)
			fmt.Fprintf(out, "hits:        %d\n", sum.Hits)
			fmt.Fprintf(out, "accuracy:    %.3f\n", sum.Accuracy)
			fmt.Fprintf(out, "mean reward: %.3f\n", sum.MeanReward)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Window, "window", 7, "rolling average length in rows")
	cmd.Flags().Float64Var(&opts.Scale, "scale", 1, "percent move that earns a full reward")
	cmd.Flags().StringVar(&opts.Query, "query", "%s next session", "question format, %s is the asset")
	cmd.Flags().BoolVar(&resume, "resume", false, "load the configured snapshot before replaying")
	cmd.Flags().BoolVar(&save, "save", false, "save a snapshot after replaying")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print the full summary as JSON")
	return cmd
}
