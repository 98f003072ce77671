package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vk/clusterboot/internal/node"
)

// ErrTimeout is wrapped by transport errors caused by a call deadline.
var ErrTimeout = errors.New("remote call timed out")

// Request describes a single remote shell command.
type Request struct {
	Command string
	Target  *node.Node
	// Frontal, when non-nil, is the hop every call is routed through.
	Frontal *node.Node
	Timeout time.Duration
}

// Result is the outcome of a command that reached the remote shell.
type Result struct {
	Lines      []string
	ExitStatus int
}

// Success reports a zero exit status.
func (r Result) Success() bool {
	return r.ExitStatus == 0
}

// Executor runs shell commands on nodes. A non-nil error means the command
// could not be carried to the node (a *TransportError); a command that ran
// and failed is reported through Result.ExitStatus.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// SyncRequest describes one bulk transfer.
type SyncRequest struct {
	LocalPath string
	Target    *node.Node
	Frontal   *node.Node
	// RemoteDir is relative to the remote home directory.
	RemoteDir string
	// IsDir selects mirror semantics (extras at the destination are deleted);
	// files are transferred additively.
	IsDir   bool
	Timeout time.Duration
}

// Transfer pushes artifacts to nodes.
type Transfer interface {
	Sync(ctx context.Context, req SyncRequest) error
}

// Channel is an open shell session on a node.
type Channel interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Kill forcibly terminates the session.
	Kill() error
	// Wait blocks until the session has exited.
	Wait() error
}

// Opener opens shell channels.
type Opener interface {
	Open(ctx context.Context, target, frontal *node.Node) (Channel, error)
}

// Toolkit bundles the capabilities handed to the phases.
type Toolkit struct {
	Executor Executor
	Transfer Transfer
	Prober   Prober
	Opener   Opener
	// LocalOpener opens a shell on the controller itself, for workers launched
	// as local subprocesses.
	LocalOpener Opener
}

// TransportError reports a command that never ran to completion on the node.
type TransportError struct {
	Target     string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport to %s failed", e.Target)
	if e.ExitStatus != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// SplitLines splits command output into lines, dropping the trailing empty
// line produced by a final newline.
func SplitLines(out string) []string {
	out = strings.TrimRight(out, "\r\n")
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

// Quote single-quotes s for a POSIX shell when it contains anything beyond
// a conservative set of safe characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
