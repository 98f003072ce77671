package entry

import (
	"context"
	"fmt"
	"strings"
)

// Builtin registers the demo entry points shipped with the binary.
type Builtin struct{}

// Register implements Module.
func (Builtin) Register(r *Registry) {
	r.Register("hello", func() Entry { return &FuncEntry{Fn: hello} })
	r.Register("sleep", func() Entry { return &FuncEntry{Fn: sleep} })
}

// Default returns a registry with the builtin entry points.
func Default() *Registry {
	return New(Builtin{})
}

// hello greets on both channels and returns.
func hello(_ context.Context, env Env) error {
	fmt.Fprintf(env.Stdout, "hello from %s (%s)\n", env.Node, env.Application)
	fmt.Fprintf(env.Stderr, "args: %s\n", strings.Join(env.Args, " "))
	if env.Assertions && env.Application == "" {
		return fmt.Errorf("assertion failed: empty application namespace")
	}
	return nil
}

// sleep idles until stopped.
func sleep(ctx context.Context, env Env) error {
	fmt.Fprintf(env.Stdout, "%s sleeping until stopped\n", env.Node)
	<-ctx.Done()
	fmt.Fprintf(env.Stdout, "%s woke up\n", env.Node)
	return nil
}
