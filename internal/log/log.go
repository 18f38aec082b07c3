// Package log wires the harness's logging: a clog logger carried on the
// context, rendered to the terminal through charmbracelet/log, optionally
// teed to a plain file for CI artifact collection.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	charm "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

// Options controls Setup.
type Options struct {
	// Verbose enables debug-level output.
	Verbose bool

	// FilePath, when non-empty, additionally writes all records to this
	// file in logfmt.
	FilePath string
}

// Setup installs a configured logger on the returned context and as the
// slog default. The returned func closes the log file, if any.
func Setup(ctx context.Context, opts Options) (context.Context, func(), error) {
	level := charm.InfoLevel
	if opts.Verbose {
		level = charm.DebugLevel
	}

	handlers := []slog.Handler{
		charm.NewWithOptions(os.Stderr, charm.Options{
			Level:           level,
			ReportTimestamp: true,
		}),
	}

	closer := func() {}
	if opts.FilePath != "" {
		file, err := os.Create(opts.FilePath)
		if err != nil {
			return ctx, closer, fmt.Errorf("failed to create log file: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		closer = func() { _ = file.Close() }
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx, closer, nil
}

// With attaches key/value pairs to the context's logger.
func With(ctx context.Context, args ...any) context.Context {
	logger := clog.FromContext(ctx).With(args...)
	return clog.WithLogger(ctx, logger)
}
