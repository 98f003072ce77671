package testutil

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vk/clusterboot/internal/node"
)

// FakeChannel is a remote.Channel whose worker exits when its input is
// closed or when it is killed, like a worker running the bootstrap protocol.
type FakeChannel struct {
	Target *node.Node
	Local  bool

	input  SafeBuffer
	outR   *io.PipeReader
	outW   *io.PipeWriter
	errR   *io.PipeReader
	errW   *io.PipeWriter
	done   chan struct{}
	once   sync.Once
	killed atomic.Bool
	closed atomic.Bool
}

// NewFakeChannel returns an open channel.
func NewFakeChannel(target *node.Node, local bool) *FakeChannel {
	c := &FakeChannel{Target: target, Local: local, done: make(chan struct{})}
	c.outR, c.outW = io.Pipe()
	c.errR, c.errW = io.Pipe()
	return c
}

func (c *FakeChannel) Stdin() io.WriteCloser { return channelInput{c} }
func (c *FakeChannel) Stdout() io.Reader     { return c.outR }
func (c *FakeChannel) Stderr() io.Reader     { return c.errR }

func (c *FakeChannel) Kill() error {
	c.killed.Store(true)
	c.finish()
	return nil
}

func (c *FakeChannel) Wait() error {
	<-c.done
	return nil
}

func (c *FakeChannel) finish() {
	c.once.Do(func() {
		close(c.done)
		_ = c.outW.Close()
		_ = c.errW.Close()
	})
}

// Input is everything written to the channel's input so far.
func (c *FakeChannel) Input() string { return c.input.String() }

// CommandLine is the first line written to the input.
func (c *FakeChannel) CommandLine() string {
	line, _, _ := strings.Cut(c.Input(), "\n")
	return line
}

// Emit writes a line on the worker's standard output. It blocks until the
// line is read.
func (c *FakeChannel) Emit(line string) error {
	_, err := io.WriteString(c.outW, line+"\n")
	return err
}

// EmitErr writes a line on the worker's diagnostic output.
func (c *FakeChannel) EmitErr(line string) error {
	_, err := io.WriteString(c.errW, line+"\n")
	return err
}

// Killed reports whether Kill was called.
func (c *FakeChannel) Killed() bool { return c.killed.Load() }

// InputClosed reports whether the input was closed.
func (c *FakeChannel) InputClosed() bool { return c.closed.Load() }

// Done is closed once the simulated worker has exited.
func (c *FakeChannel) Done() <-chan struct{} { return c.done }

type channelInput struct{ c *FakeChannel }

func (i channelInput) Write(p []byte) (int, error) {
	if i.c.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return i.c.input.Write(p)
}

func (i channelInput) Close() error {
	i.c.closed.Store(true)
	i.c.finish()
	return nil
}
