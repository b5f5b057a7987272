package logging

import (
	"bytes"
	"sync"

	"github.com/armon/circbuf"
)

// Tail keeps the most recent log output in a fixed-size ring so the daemon
// can serve it without reading the log file. Oldest bytes are overwritten.
type Tail struct {
	mu sync.Mutex
	b  *circbuf.Buffer
}

// NewTail creates a tail holding at most maxSize bytes.
func NewTail(maxSize int) (*Tail, error) {
	b, err := circbuf.NewBuffer(int64(maxSize))
	if err != nil {
		return nil, err
	}
	return &Tail{b: b}, nil
}

// Write implements zapcore.WriteSyncer.
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.Write(p)
}

// Sync implements zapcore.WriteSyncer.
func (t *Tail) Sync() error { return nil }

// Lines returns up to n of the most recent complete lines, oldest first.
// n <= 0 returns everything held.
func (t *Tail) Lines(n int) []string {
	t.mu.Lock()
	data := append([]byte(nil), t.b.Bytes()...)
	wrapped := t.b.TotalWritten() > t.b.Size()
	t.mu.Unlock()

	// After wrap-around the first line is usually cut.
	if wrapped {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	var lines []string
	for _, l := range bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n")) {
		if len(l) > 0 {
			lines = append(lines, string(l))
		}
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
