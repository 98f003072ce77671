package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vk/clusterboot/internal/bootstrap"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/entry"
)

func newWorkerCommand(f *flags, streams IO) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker TARGET APPLICATION [ARGS]...",
		Short: "Run one entry point until standard input ends",
		Long: `worker is started by the controller on every node. It runs TARGET, one of
the compiled-in entry points, and stops it when its standard input reaches
end of file. Everything after APPLICATION is handed to the target verbatim.`,
		Args: argsError(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), f, streams, args[0], args[1], args[2:])
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func runWorker(ctx context.Context, f *flags, streams IO, target, application string, args []string) error {
	logger := slog.New(slog.NewTextHandler(streams.Err, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx = ctxlog.WithLogger(ctx, logger)

	if f.memoryLimit < 0 {
		return usageError(fmt.Errorf("memory limit must not be negative, got %d", f.memoryLimit))
	}
	if f.memoryLimit > 0 {
		debug.SetMemoryLimit(int64(f.memoryLimit) << 20)
	}
	if f.debugAddr != "" {
		stop, err := serveDebug(ctx, f.debugAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	var searchPath []string
	if f.searchPath != "" {
		searchPath = strings.Split(f.searchPath, ":")
	}

	b := &bootstrap.Bootstrap{
		Registry: entry.Default(),
		Stdin:    streams.In,
		Stdout:   streams.Out,
		Stderr:   streams.Err,
	}
	return b.Run(ctx, target, entry.Env{
		Node:        hostname,
		Application: application,
		Args:        args,
		SearchPath:  searchPath,
		Assertions:  f.assertions,
	})
}

// serveDebug exposes the profiling endpoints of the worker.
func serveDebug(ctx context.Context, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on debug address: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger := ctxlog.FromContext(ctx)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Debug server failed.", "error", err)
		}
	}()
	return func() { _ = srv.Close() }, nil
}
