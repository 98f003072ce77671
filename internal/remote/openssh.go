package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vk/clusterboot/internal/node"
)

// sshConnectFailure is the exit status OpenSSH uses for its own errors.
const sshConnectFailure = 255

// DefaultSSHOptions are always passed when reaching cluster nodes.
var DefaultSSHOptions = []string{"-o", "ForwardX11=no", "-o", "StrictHostKeyChecking=no", "-o", "BatchMode=yes"}

// OpenSSH runs commands and opens channels through the ssh client binary.
// Commands are fed to "bash --posix" on the remote side through stdin.
type OpenSSH struct {
	// Command is the ssh binary, "ssh" when empty.
	Command string
	// Options replace DefaultSSHOptions when non-nil.
	Options []string
}

func (o *OpenSSH) command() string {
	if o.Command == "" {
		return "ssh"
	}
	return o.Command
}

func (o *OpenSSH) options(timeout time.Duration) []string {
	opts := DefaultSSHOptions
	if o.Options != nil {
		opts = o.Options
	}
	out := append([]string{}, opts...)
	if timeout > 0 {
		secs := int(timeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		out = append(out, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}
	return out
}

// Argv composes the full command line reaching target, chained through
// frontal when set, and ending with the remote program.
func (o *OpenSSH) Argv(target, frontal *node.Node, timeout time.Duration, remoteProgram ...string) []string {
	var argv []string
	if frontal != nil {
		argv = append(argv, o.command())
		argv = append(argv, o.options(0)...)
		argv = append(argv, frontal.SSHName())
	}
	argv = append(argv, o.command())
	argv = append(argv, o.options(timeout)...)
	argv = append(argv, target.SSHName())
	return append(argv, remoteProgram...)
}

// RsyncShell returns the remote-shell string handed to rsync -e.
func (o *OpenSSH) RsyncShell(frontal *node.Node, timeout time.Duration) string {
	var parts []string
	if frontal != nil {
		parts = append(parts, o.command())
		parts = append(parts, o.options(0)...)
		parts = append(parts, frontal.SSHName())
	}
	parts = append(parts, o.command())
	parts = append(parts, o.options(timeout)...)
	return strings.Join(parts, " ")
}

// Execute implements Executor.
func (o *OpenSSH) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	argv := o.Argv(req.Target, req.Frontal, req.Timeout, "bash", "--posix")
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, &TransportError{Target: req.Target.String(), Err: fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())}
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{Lines: SplitLines(stdout.String())}, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() != sshConnectFailure:
		return Result{Lines: SplitLines(stdout.String()), ExitStatus: exitErr.ExitCode()}, nil
	case errors.As(err, &exitErr):
		return Result{}, &TransportError{Target: req.Target.String(), ExitStatus: exitErr.ExitCode(), Stderr: stderr.String()}
	default:
		return Result{}, &TransportError{Target: req.Target.String(), Err: err, Stderr: stderr.String()}
	}
}

// Open implements Opener. The channel runs "bash --posix" on the target.
func (o *OpenSSH) Open(ctx context.Context, target, frontal *node.Node) (Channel, error) {
	argv := o.Argv(target, frontal, 0, "bash", "--posix")
	return startProcess(exec.Command(argv[0], argv[1:]...))
}

// LocalShell opens "bash --posix" on the controller itself.
type LocalShell struct{}

// Open implements Opener.
func (LocalShell) Open(ctx context.Context, _, _ *node.Node) (Channel, error) {
	return startProcess(exec.Command("bash", "--posix"))
}
