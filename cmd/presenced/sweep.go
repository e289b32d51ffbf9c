package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/presence-engine/internal/application"
	"github.com/example/presence-engine/internal/config"
	"github.com/example/presence-engine/internal/sweeper"
)

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep cycle and exit",
		Long: `Run one sweep cycle and exit.

Expires overdue challenges, times out stale sessions, records heartbeat
silence and purges expired peer tokens. Useful from cron when no server is
running the sweeps in-process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			s, err := openStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.Close(); cerr != nil {
					logger.Error("failed to close storage", "error", cerr)
				}
			}()

			svc := newServices(cfg, s, time.Now, logger)
			report, err := newSweeper(cfg, svc, time.Now, logger).RunOnce(cmd.Context())
			printSweepReport(cmd.OutOrStdout(), report)
			return err
		},
	}
}

func printSweepReport(w io.Writer, report sweeper.Report) {
	line := func(name string, r application.SweepReport) {
		fmt.Fprintf(w, "%-18s examined=%d processed=%d anomalies=%d\n", name, r.Examined, r.Processed, r.Anomalies)
	}
	line("challenge expiry", report.Challenges)
	line("stale sessions", report.Stale)
	line("heartbeat silence", report.Silent)
	fmt.Fprintf(w, "%-18s purged=%d\n", "peer tokens", report.TokensPurged)
}
