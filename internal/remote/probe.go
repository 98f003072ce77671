package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/vk/clusterboot/internal/node"
)

// ProbeKind classifies a reachability probe.
type ProbeKind int

const (
	// ProbeOK means the node answered.
	ProbeOK ProbeKind = iota
	// ProbeUnreachable means the node did not answer within the window.
	ProbeUnreachable
	// ProbeTransportError means the node answered but the transport failed.
	ProbeTransportError
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeOK:
		return "ok"
	case ProbeUnreachable:
		return "unreachable"
	case ProbeTransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}

// ProbeOutcome is the typed result of probing one node.
type ProbeOutcome struct {
	Node   *node.Node
	Kind   ProbeKind
	Reason error
}

// OK reports a successful probe.
func (o ProbeOutcome) OK() bool { return o.Kind == ProbeOK }

// Err returns the reason as an error carrying the node name, or nil.
func (o ProbeOutcome) Err() error {
	if o.OK() {
		return nil
	}
	return fmt.Errorf("%s is %s: %w", o.Node, o.Kind, o.Reason)
}

// Prober checks node reachability.
type Prober interface {
	Probe(ctx context.Context, target, frontal *node.Node, timeout time.Duration) ProbeOutcome
}

// ExecProber probes by running a no-op command through an Executor, so the
// probe follows the same route (including the frontal hop) as real work.
type ExecProber struct {
	Executor Executor
}

// Probe implements Prober.
func (p *ExecProber) Probe(ctx context.Context, target, frontal *node.Node, timeout time.Duration) ProbeOutcome {
	res, err := p.Executor.Execute(ctx, Request{Command: "true", Target: target, Frontal: frontal, Timeout: timeout})
	switch {
	case err != nil:
		return classify(target, err)
	case !res.Success():
		return ProbeOutcome{Node: target, Kind: ProbeTransportError, Reason: fmt.Errorf("no-op command exited with status %d", res.ExitStatus)}
	default:
		return ProbeOutcome{Node: target, Kind: ProbeOK}
	}
}

// DialProber probes by opening a TCP connection to the node's ssh port.
// It ignores the frontal hop.
type DialProber struct {
	Port int
}

// Probe implements Prober.
func (p *DialProber) Probe(ctx context.Context, target, _ *node.Node, timeout time.Duration) ProbeOutcome {
	port := p.Port
	if port == 0 {
		port = 22
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(target.Addr(), strconv.Itoa(port)))
	if err != nil {
		return ProbeOutcome{Node: target, Kind: ProbeUnreachable, Reason: err}
	}
	_ = conn.Close()
	return ProbeOutcome{Node: target, Kind: ProbeOK}
}

func classify(target *node.Node, err error) ProbeOutcome {
	var te *TransportError
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ProbeOutcome{Node: target, Kind: ProbeUnreachable, Reason: err}
	case errors.As(err, &te) && te.ExitStatus == sshConnectFailure:
		return ProbeOutcome{Node: target, Kind: ProbeUnreachable, Reason: err}
	default:
		return ProbeOutcome{Node: target, Kind: ProbeTransportError, Reason: err}
	}
}
