// Package events relays run progress to a socket.io dashboard: phase
// timings, worker state changes and every line the workers print.
package events

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/vk/clusterboot/internal/config"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultConnectTimeout bounds Dial when the context has no deadline.
const DefaultConnectTimeout = 15 * time.Second

// Emitter sends one event.
type Emitter interface {
	Emit(event string, payload map[string]any)
	Close()
}

// SocketEmitter is an Emitter over a connected socket.io client.
type SocketEmitter struct {
	io *socket.Socket
}

// Dial connects to the dashboard and waits for the namespace to accept us.
func Dial(ctx context.Context, cfg config.Events) (*SocketEmitter, error) {
	logger := ctxlog.FromContext(ctx).With("url", cfg.URL)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse events URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("events URL %q needs a scheme and a host", cfg.URL)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connection refused")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connected <- err
	})
	io.Connect()

	timer := time.NewTimer(DefaultConnectTimeout)
	defer timer.Stop()
	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("cancelled while connecting to the dashboard: %w", ctx.Err())
	case <-timer.C:
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s connecting to the dashboard", DefaultConnectTimeout)
	}

	logger.Info("Connected to the dashboard.", "sid", io.Id())
	return &SocketEmitter{io: io}, nil
}

// Emit implements Emitter.
func (e *SocketEmitter) Emit(event string, payload map[string]any) {
	e.io.Emit(event, payload)
}

// Close disconnects the client.
func (e *SocketEmitter) Close() {
	e.io.Disconnect()
}
