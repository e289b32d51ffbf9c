package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "presenced",
		Short: "Two-agent check-in and presence session engine",
		Long: `presenced verifies that field agents are physically present at a site.

Two agents open a session together by scanning the site QR code and each other's
one-time peer token. The engine then tracks heartbeats, liveness challenges and
anomalies until the session completes or times out.

Configuration is read from PRESENCE_* environment variables.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "Log format (json, text)")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newSeedCommand(opts),
		newSweepCommand(opts),
	)
	return root
}

// logger builds the process logger. Logs go to stderr so command output on stdout stays parseable.
func (o *rootOptions) logger(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := parseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	return newLogger(cmd.ErrOrStderr(), o.logFormat, level)
}

func newLogger(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", value)
	}
	return level, nil
}
