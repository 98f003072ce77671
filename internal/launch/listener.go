package launch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/vk/clusterboot/internal/node"
)

// Stream names a worker output channel.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineListener receives every line a worker prints, verbatim.
type LineListener interface {
	OnLine(n *node.Node, stream Stream, line string)
}

// LineListenerFunc adapts a function to LineListener.
type LineListenerFunc func(n *node.Node, stream Stream, line string)

// OnLine implements LineListener.
func (f LineListenerFunc) OnLine(n *node.Node, stream Stream, line string) { f(n, stream, line) }

// PrefixPrinter writes lines as "> node: line" to the matching writer.
type PrefixPrinter struct {
	Stdout io.Writer
	Stderr io.Writer

	mu sync.Mutex
}

// OnLine implements LineListener.
func (p *PrefixPrinter) OnLine(n *node.Node, stream Stream, line string) {
	w := p.Stdout
	if stream == Stderr {
		w = p.Stderr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(w, "> %s: %s\n", n, line)
}

// maxLineBytes bounds a forwarded line. Longer lines are delivered in
// pieces of this size.
const maxLineBytes = 1 << 20

// forward reads r line by line until EOF or a read error, so the worker never
// blocks on a full pipe. split is called once for every line that had to be
// cut into pieces.
func forward(r io.Reader, emit func(string), split func()) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	cut := false
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				emit(string(line))
			}
			return
		}
		line = append(line, chunk...)
		if more {
			if len(line) > maxLineBytes {
				emit(string(line[:maxLineBytes]))
				line = append(line[:0], line[maxLineBytes:]...)
				if !cut && split != nil {
					split()
				}
				cut = true
			}
			continue
		}
		if len(line) > maxLineBytes && !cut && split != nil {
			split()
		}
		for len(line) > maxLineBytes {
			emit(string(line[:maxLineBytes]))
			line = line[maxLineBytes:]
		}
		if len(line) > 0 || !cut {
			emit(string(line))
		}
		line = line[:0]
		cut = false
	}
}

// lineWriter turns writes into lines for in-process workers.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimSuffix(w.buf[:i], []byte("\r"))))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// flush emits a trailing partial line.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
