package logging

import (
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Filter selects entries from a Buffer. Zero fields match everything.
type Filter struct {
	// Level is the minimum level.
	Level     string `form:"level"`
	Component string `form:"component"`
	// Search matches message, component and string fields, ignoring case.
	Search string    `form:"search"`
	Since  time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit  int       `form:"limit"`
}

// Buffer is a fixed-size ring of recent log entries. It implements
// io.Writer over zerolog's JSON output.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
}

// DefaultBufferSize is used when NewBuffer gets a non-positive size.
const DefaultBufferSize = 5000

// NewBuffer creates a buffer holding the newest size entries.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{entries: make([]Entry, size), now: time.Now}
}

// Write parses one zerolog JSON line. Lines that are not JSON are kept as
// info messages.
func (b *Buffer) Write(p []byte) (int, error) {
	entry := Entry{Timestamp: b.now()}

	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		entry.Level = "info"
		entry.Message = strings.TrimSpace(string(p))
	} else {
		entry.Level, _ = raw["level"].(string)
		entry.Message, _ = raw["message"].(string)
		entry.Component, _ = raw["component"].(string)
		if ts, ok := raw["time"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				entry.Timestamp = t
			}
		}
		delete(raw, "level")
		delete(raw, "message")
		delete(raw, "component")
		delete(raw, "time")
		if len(raw) > 0 {
			entry.Fields = raw
		}
	}

	b.mu.Lock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return len(p), nil
}

// Len returns the number of entries held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// Get returns matching entries newest first, and the match count before
// the limit was applied.
func (b *Buffer) Get(f Filter) ([]Entry, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	minRank := levelRank(f.Level)
	search := strings.ToLower(f.Search)
	out := []Entry{}
	total := 0
	for _, e := range b.newestFirst() {
		if f.Level != "" && levelRank(e.Level) < minRank {
			continue
		}
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if search != "" && !e.contains(search) {
			continue
		}
		total++
		if f.Limit <= 0 || len(out) < f.Limit {
			out = append(out, e)
		}
	}
	return out, total
}

// Components returns the distinct component names held, in first-seen order
// from newest.
func (b *Buffer) Components() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range b.newestFirst() {
		if e.Component != "" && !seen[e.Component] {
			seen[e.Component] = true
			out = append(out, e.Component)
		}
	}
	return out
}

// newestFirst must be called with the read lock held.
func (b *Buffer) newestFirst() []Entry {
	n := b.next
	if b.full {
		n = len(b.entries)
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, b.entries[(b.next-i+len(b.entries))%len(b.entries)])
	}
	return out
}

func (e Entry) contains(lower string) bool {
	if strings.Contains(strings.ToLower(e.Message), lower) || strings.Contains(strings.ToLower(e.Component), lower) {
		return true
	}
	for _, v := range e.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), lower) {
			return true
		}
	}
	return false
}

func levelRank(level string) int {
	switch level {
	case "trace":
		return 0
	case "debug":
		return 1
	case "info", "":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal":
		return 5
	case "panic":
		return 6
	}
	return 2
}
