package logger

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Entry is one captured log line.
type Entry struct {
	Time      time.Time
	Level     zapcore.Level
	Message   string
	Component string
}

// Ring keeps the most recent entries at or above a level. The TUI reads
// it because the console is taken by the interface.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	wrapped bool
	total   uint64
	level   zapcore.Level
}

// NewRing creates a ring holding up to size entries at level or above
func NewRing(size int, level zapcore.Level) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{
		entries: make([]Entry, size),
		level:   level,
	}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.wrapped = true
	}
	r.total++
}

// Recent returns up to limit newest entries, oldest first. limit <= 0
// returns everything held.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	start := 0
	if r.wrapped {
		count = len(r.entries)
		start = r.next
	}
	if limit > 0 && limit < count {
		start += count - limit
		count = limit
	}

	out := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

// Total returns how many entries were ever captured
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Core returns a zapcore.Core feeding the ring
func (r *Ring) Core() zapcore.Core {
	return &ringCore{ring: r}
}

type ringCore struct {
	ring      *Ring
	component string
}

func (c *ringCore) Enabled(level zapcore.Level) bool {
	return level >= c.ring.level
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	if comp, ok := componentOf(fields); ok {
		clone.component = comp
	}
	return &clone
}

func (c *ringCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *ringCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	comp := c.component
	if fc, ok := componentOf(fields); ok {
		comp = fc
	}
	if comp == "" {
		comp = entry.LoggerName
	}
	c.ring.add(Entry{
		Time:      entry.Time,
		Level:     entry.Level,
		Message:   entry.Message,
		Component: comp,
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }

func componentOf(fields []zapcore.Field) (string, bool) {
	for _, f := range fields {
		if f.Key == "component" && f.Type == zapcore.StringType {
			return f.String, true
		}
	}
	return "", false
}
