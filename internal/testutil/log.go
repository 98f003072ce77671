package testutil

import (
	"context"
	"io"
	"log/slog"

	"github.com/vk/clusterboot/internal/ctxlog"
)

// LogContext returns a background context carrying a debug-level text
// logger that writes to w.
func LogContext(w io.Writer) context.Context {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return ctxlog.WithLogger(context.Background(), logger)
}
