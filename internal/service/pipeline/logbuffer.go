package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const repeatFlushInterval = 5 * time.Second

// LogBuffer accumulates the full deployment log while forwarding each line to
// an emit callback for realtime streaming. Consecutive duplicate lines are
// collapsed into a single "(repeated N more times)" marker so chatty build
// tools do not flood subscribers.
type LogBuffer struct {
	mu       sync.Mutex
	emit     func(string)
	now      func() time.Time
	last     string
	repeats  int
	lastEmit time.Time
	lines    []string
}

// NewLogBuffer returns a buffer that forwards accepted lines to emit.
func NewLogBuffer(emit func(string)) *LogBuffer {
	return &LogBuffer{emit: emit, now: time.Now}
}

// Add records one log line. Blank lines are dropped. A line equal to the
// previous one is counted instead of recorded; the count is flushed when the
// line changes, on Flush, or after repeatFlushInterval of sustained repeats.
func (b *LogBuffer) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if line == b.last {
		b.repeats++
		if now.Sub(b.lastEmit) >= repeatFlushInterval {
			b.flushRepeats(now)
		}
		return
	}
	b.flushRepeats(now)
	b.last = line
	b.record(line, now)
}

// Flush emits any pending repeat marker. Call before reading String.
func (b *LogBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushRepeats(b.now())
}

// String joins every recorded line into the persistent deployment log.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

func (b *LogBuffer) flushRepeats(now time.Time) {
	if b.repeats == 0 {
		return
	}
	marker := fmt.Sprintf("%s (repeated %d more times)", b.last, b.repeats)
	b.repeats = 0
	b.record(marker, now)
}

func (b *LogBuffer) record(line string, now time.Time) {
	b.lines = append(b.lines, line)
	b.lastEmit = now
	if b.emit != nil {
		b.emit(line)
	}
}
