package mirror

import (
	"fmt"
	"io"
	"sync"
)

// console narrates progress to the user. It is safe for concurrent use.
type console struct {
	mu    sync.Mutex
	w     io.Writer
	files bool
}

// newConsole creates a console writing to w. Per-file lines are written
// only when files is true.
func newConsole(w io.Writer, files bool) *console {
	if w == nil {
		w = io.Discard
	}
	return &console{w: w, files: files}
}

// Printf writes a progress line.
func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// File writes a per-file progress line.
func (c *console) File(format string, args ...any) {
	if !c.files {
		return
	}
	c.Printf(format, args...)
}

// Writer returns a writer that serializes with the other console output.
func (c *console) Writer() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.w.Write(p)
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
