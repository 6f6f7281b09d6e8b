package logger

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

type Entry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// RingBuffer holds the latest entries up to its size.
type RingBuffer struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{entries: make([]Entry, size)}
}

func (b *RingBuffer) Append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = e
	b.next++
	if b.next == len(b.entries) {
		b.next = 0
		b.full = true
	}
}

// Entries returns at most limit entries, newest first.
// A limit of zero or less returns everything.
func (b *RingBuffer) Entries(limit int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.next
	if b.full {
		n = len(b.entries)
	}
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([]Entry, 0, n)
	i := b.next
	for len(result) < n {
		i--
		if i < 0 {
			i = len(b.entries) - 1
		}
		result = append(result, b.entries[i])
	}

	return result
}

type bufferCore struct {
	zapcore.LevelEnabler
	buf    *RingBuffer
	fields []zapcore.Field
}

var _ zapcore.Core = &bufferCore{}

func newBufferCore(level zapcore.LevelEnabler, buf *RingBuffer) *bufferCore {
	return &bufferCore{LevelEnabler: level, buf: buf}
}

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	f := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	f = append(f, c.fields...)
	f = append(f, fields...)
	return &bufferCore{LevelEnabler: c.LevelEnabler, buf: c.buf, fields: f}
}

func (c *bufferCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bufferCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, v := range c.fields {
		v.AddTo(enc)
	}
	for _, v := range fields {
		v.AddTo(enc)
	}

	e := Entry{Time: ent.Time, Level: ent.Level.String(), Message: ent.Message}
	if len(enc.Fields) > 0 {
		e.Fields = enc.Fields
	}
	c.buf.Append(e)
	return nil
}

func (c *bufferCore) Sync() error {
	return nil
}
