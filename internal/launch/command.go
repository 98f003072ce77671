package launch

import (
	"fmt"
	"path"
	"strings"

	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/provision"
	"github.com/vk/clusterboot/internal/remote"
)

// SearchPathExpr is the shell expression expanding to the colon-separated
// list of deployed binaries, evaluated on the worker.
func SearchPathExpr(binariesDir string) string {
	return fmt.Sprintf(`"$(echo ${HOME}/%s/* | sed 's/ /:/g')"`, path.Clean(binariesDir))
}

// ComposeCommand builds the single line starting the worker on n:
//
//	<runtime> [tuning flags] <search path> <bootstrap> '<target>' <app> [args]
//
// Each call with debugging enabled takes the next debug port.
func (l *Launcher) ComposeCommand(n *node.Node, d provision.Descriptor) string {
	rt := l.Config.Runtime
	ln := l.Config.Launch

	parts := []string{d.Command}
	if ln.MemoryMB > 0 {
		parts = append(parts, fmt.Sprintf(rt.MemoryFlag, ln.MemoryMB))
	}
	if ln.Debug {
		parts = append(parts, fmt.Sprintf(rt.DebugFlag, l.nextDebugPort()))
	}
	if ln.Assertions {
		parts = append(parts, rt.AssertionsFlag)
	}
	if rt.SearchPathFlag != "" {
		parts = append(parts, rt.SearchPathFlag, SearchPathExpr(l.Config.BinariesDir()))
	}
	parts = append(parts, ln.Bootstrap, singleQuote(ln.Target), remote.Quote(l.Config.Cluster.Application))
	for _, a := range ln.Args {
		parts = append(parts, remote.Quote(a))
	}
	return strings.Join(parts, " ")
}

func (l *Launcher) nextDebugPort() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	port := l.Config.Launch.DebugPortBase + l.debugPorts
	l.debugPorts++
	return port
}

func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
