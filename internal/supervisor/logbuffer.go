package supervisor

import (
	"strings"
	"sync"
)

// logBuffer keeps the tail of a process's output, bounded by bytes. Trimming
// happens on line boundaries so consumers never see a torn first line.
type logBuffer struct {
	mu    sync.Mutex
	max   int
	size  int
	lines []string
}

func newLogBuffer(maxBytes int) *logBuffer {
	return &logBuffer{max: maxBytes}
}

func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > b.max && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
