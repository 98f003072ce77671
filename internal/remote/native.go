package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vk/clusterboot/internal/node"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ErrNoAgent is returned when no ssh-agent socket is available.
var ErrNoAgent = errors.New("SSH_AUTH_SOCK is not set")

// Native speaks SSH in-process. Connections to the frontal hop are shared
// between calls; connections to targets are opened per call. Every
// connection and handshake is bounded by the call timeout, or by Timeout
// when the call has none.
type Native struct {
	Port    int
	Auth    []ssh.AuthMethod
	HostKey ssh.HostKeyCallback
	Timeout time.Duration

	mu       sync.Mutex
	frontals map[string]*ssh.Client
}

// NewNative builds a Native transport authenticating through the running
// ssh-agent. Host keys are not checked, matching StrictHostKeyChecking=no.
func NewNative(port int) (*Native, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, ErrNoAgent
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("failed to reach ssh-agent: %w", err)
	}
	ag := agent.NewClient(conn)
	return &Native{
		Port:    port,
		Auth:    []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)},
		HostKey: ssh.InsecureIgnoreHostKey(),
	}, nil
}

// ClientConfig returns the SSH client configuration used to reach n.
func (t *Native) ClientConfig(n *node.Node, timeout time.Duration) *ssh.ClientConfig {
	user := n.Login()
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            t.Auth,
		HostKeyCallback: t.HostKey,
		Timeout:         timeout,
	}
}

func (t *Native) addr(n *node.Node) string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(n.Addr(), strconv.Itoa(port))
}

func (t *Native) frontalClient(ctx context.Context, frontal *node.Node, timeout time.Duration) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.frontals[frontal.Addr()]; ok {
		return c, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr(frontal))
	if err != nil {
		return nil, transportError(ctx, frontal, err)
	}
	c, err := t.handshake(ctx, conn, frontal, timeout)
	if err != nil {
		return nil, err
	}
	if t.frontals == nil {
		t.frontals = make(map[string]*ssh.Client)
	}
	t.frontals[frontal.Addr()] = c
	return c, nil
}

// dial connects to target, through frontal when it is set. The whole
// exchange, TCP connect and SSH handshake included, ends with ctx.
func (t *Native) dial(ctx context.Context, target, frontal *node.Node, timeout time.Duration) (*ssh.Client, error) {
	if timeout <= 0 {
		timeout = t.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var conn net.Conn
	var err error
	if frontal == nil {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", t.addr(target))
	} else {
		var hop *ssh.Client
		if hop, err = t.frontalClient(ctx, frontal, timeout); err != nil {
			return nil, err
		}
		conn, err = hop.DialContext(ctx, "tcp", t.addr(target))
		if err != nil {
			err = fmt.Errorf("via %s: %w", frontal, err)
		}
	}
	if err != nil {
		return nil, transportError(ctx, target, err)
	}
	return t.handshake(ctx, conn, target, timeout)
}

// handshake runs the SSH client handshake on conn. Closing conn when ctx
// ends unblocks a peer that never answers, for direct connections and for
// connections tunnelled through a hop alike.
func (t *Native) handshake(ctx context.Context, conn net.Conn, n *node.Node, timeout time.Duration) (*ssh.Client, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	cc, chans, reqs, err := ssh.NewClientConn(conn, t.addr(n), t.ClientConfig(n, timeout))
	if !stop() {
		if err == nil {
			_ = cc.Close()
		}
		return nil, transportError(ctx, n, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, transportError(ctx, n, err)
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

// transportError wraps err, marking it as a timeout once ctx has expired.
func transportError(ctx context.Context, n *node.Node, err error) error {
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &TransportError{Target: n.String(), Err: err}
}

// Execute implements Executor.
func (t *Native) Execute(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := t.dial(ctx, req.Target, req.Frontal, timeout)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	type reply struct {
		res Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := t.run(client, req)
		done <- reply{res, err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		_ = client.Close()
		return Result{}, &TransportError{Target: req.Target.String(), Err: fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())}
	}
}

func (t *Native) run(client *ssh.Client, req Request) (Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return Result{}, &TransportError{Target: req.Target.String(), Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = strings.NewReader(req.Command)
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run("bash --posix")
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return Result{Lines: SplitLines(stdout.String())}, nil
	case errors.As(err, &exitErr):
		return Result{Lines: SplitLines(stdout.String()), ExitStatus: exitErr.ExitStatus()}, nil
	default:
		return Result{}, &TransportError{Target: req.Target.String(), Err: err, Stderr: stderr.String()}
	}
}

// Open implements Opener.
func (t *Native) Open(ctx context.Context, target, frontal *node.Node) (Channel, error) {
	client, err := t.dial(ctx, target, frontal, t.Timeout)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &TransportError{Target: target.String(), Err: err}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := session.Start("bash --posix"); err != nil {
		_ = client.Close()
		return nil, &TransportError{Target: target.String(), Err: err}
	}
	return &sessionChannel{client: client, session: session, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// Close releases the shared frontal connections.
func (t *Native) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for addr, c := range t.frontals {
		errs = append(errs, c.Close())
		delete(t.frontals, addr)
	}
	return errors.Join(errs...)
}

type sessionChannel struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	waitOnce sync.Once
	waitErr  error
}

func (s *sessionChannel) Stdin() io.WriteCloser { return s.stdin }
func (s *sessionChannel) Stdout() io.Reader     { return s.stdout }
func (s *sessionChannel) Stderr() io.Reader     { return s.stderr }

func (s *sessionChannel) Kill() error {
	_ = s.session.Signal(ssh.SIGKILL)
	return s.client.Close()
}

func (s *sessionChannel) Wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.session.Wait()
		_ = s.client.Close()
	})
	return s.waitErr
}
