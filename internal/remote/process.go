package remote

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// processChannel is a Channel backed by a local child process.
type processChannel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	waitErr  error
}

func startProcess(cmd *exec.Cmd) (*processChannel, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	return &processChannel{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *processChannel) Stdin() io.WriteCloser { return p.stdin }
func (p *processChannel) Stdout() io.Reader     { return p.stdout }
func (p *processChannel) Stderr() io.Reader     { return p.stderr }

func (p *processChannel) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait may be called several times; the process is reaped once.
func (p *processChannel) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}
