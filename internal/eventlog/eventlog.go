// Package eventlog keeps the append-only record of every published event
// and fans each entry out to all live stream subscribers.
//
// The in-memory log owns sequence numbers: entries are appended in publish
// order with strictly increasing Seq. A bounded window of recent entries is
// retained for snapshots; the full history goes to the durable appender as
// a best-effort audit copy — a write failure is logged and never blocks or
// fails the broadcast.
package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/careloop-ai/careloop/internal/model"
)

// Appender is the durable sink for log entries.
type Appender interface {
	AppendLogEntry(ctx context.Context, e model.LogEntry) error
}

// History reads back previously persisted entries. An Appender that also
// implements History carries the log across restarts: New seeds the sequence
// counter past the highest durable Seq and rehydrates the recent window, so
// fresh appends never collide with rows written by an earlier process.
type History interface {
	RecentLogEntries(ctx context.Context, limit int) ([]model.LogEntry, error)
}

// Log is the event log and broadcaster.
type Log struct {
	appender Appender
	logger   *slog.Logger
	window   int
	bufSize  int

	mu          sync.Mutex
	nextSeq     int64
	recent      []model.LogEntry
	subscribers map[chan model.LogEntry]struct{}
}

// New creates a Log. window bounds the in-memory snapshot history; bufSize
// is the per-subscriber channel buffer before drops.
func New(appender Appender, logger *slog.Logger, window, bufSize int) *Log {
	l := &Log{
		appender:    appender,
		logger:      logger,
		window:      window,
		bufSize:     bufSize,
		nextSeq:     1,
		subscribers: make(map[chan model.LogEntry]struct{}),
	}
	if h, ok := appender.(History); ok {
		entries, err := h.RecentLogEntries(context.Background(), window)
		switch {
		case err != nil:
			logger.Warn("eventlog: history load failed, starting at seq 1", "error", err)
		case len(entries) > 0:
			l.recent = entries
			l.nextSeq = entries[len(entries)-1].Seq + 1
		}
	}
	return l
}

// Append assigns the next sequence number, records the entry, and pushes it
// to every subscriber. Called from the bus tap, so entries arrive in publish
// order and Seq preserves it.
func (l *Log) Append(ctx context.Context, evt model.Event) model.LogEntry {
	l.mu.Lock()
	entry := model.LogEntry{Seq: l.nextSeq, Event: evt}
	l.nextSeq++

	l.recent = append(l.recent, entry)
	if len(l.recent) > l.window {
		l.recent = l.recent[len(l.recent)-l.window:]
	}

	for ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
			// Subscriber buffer full — drop this entry for them rather
			// than block the publish path.
		}
	}
	l.mu.Unlock()

	if l.appender != nil {
		if err := l.appender.AppendLogEntry(ctx, entry); err != nil {
			l.logger.Warn("eventlog: durable append failed", "seq", entry.Seq, "error", err)
		}
	}
	return entry
}

// Subscribe returns a channel receiving every entry appended after this
// call. The caller must call Unsubscribe when done.
func (l *Log) Subscribe() chan model.LogEntry {
	ch := make(chan model.LogEntry, l.bufSize)
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (l *Log) Unsubscribe(ch chan model.LogEntry) {
	l.mu.Lock()
	delete(l.subscribers, ch)
	l.mu.Unlock()
	close(ch)
}

// Recent returns up to n of the most recent entries in ascending sequence
// order.
func (l *Log) Recent(n int) []model.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]model.LogEntry, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}
