// Package statuslog keeps an append-only, paginated log of progress messages
// per participant. Front-ends poll it with the index they last saw.
package statuslog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/metrics"
)

// ErrNotFound is returned for a participant with no open log.
var ErrNotFound = errors.New("statuslog: participant not found")

// Entry is one immutable log line.
type Entry struct {
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Page is the result of a paginated read.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// Archiver mirrors appended entries to durable storage. Failures are logged
// and otherwise ignored.
type Archiver interface {
	StatusAppended(participantID string, seq int, content string) error
}

// Log is the entry list for one participant. Appends are serialized by the
// log's own lock.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	changed chan struct{}
	closed  bool
}

func newLog() *Log {
	return &Log{changed: make(chan struct{})}
}

func (l *Log) append(text string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry{}, ErrNotFound
	}
	e := Entry{Index: len(l.entries), Text: text, Timestamp: time.Now()}
	l.entries = append(l.entries, e)
	close(l.changed)
	l.changed = make(chan struct{})
	return e, nil
}

// Since returns the entries with index >= since and the total length. since
// is clamped to [0, total].
func (l *Log) Since(since int) Page {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := len(l.entries)
	if since < 0 {
		since = 0
	}
	if since > total {
		since = total
	}
	out := make([]Entry, total-since)
	copy(out, l.entries[since:])
	return Page{Entries: out, Total: total}
}

// Changed returns a channel closed on the next append or when the log is
// closed.
func (l *Log) Changed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.changed
}

// Closed reports whether the log has been torn down.
func (l *Log) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (l *Log) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.changed)
}

// Store holds the logs of every live participant.
type Store struct {
	mu       sync.RWMutex
	logs     map[string]*Log
	archiver Archiver
	logger   zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithArchiver mirrors appends to a.
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		logs:   make(map[string]*Log),
		logger: log.WithComponent("statuslog"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates the log for participantID if it does not exist.
func (s *Store) Open(participantID string) *Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[participantID]; ok {
		return l
	}
	l := newLog()
	s.logs[participantID] = l
	return l
}

// Log returns the open log for participantID.
func (s *Store) Log(participantID string) (*Log, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[participantID]
	return l, ok
}

// Append adds text to the participant's log and returns the stored entry.
func (s *Store) Append(participantID, text string) (Entry, error) {
	l, ok := s.Log(participantID)
	if !ok {
		return Entry{}, ErrNotFound
	}
	e, err := l.append(text)
	if err != nil {
		return Entry{}, err
	}
	metrics.StatusEntriesTotal.Inc()
	if s.archiver != nil {
		if err := s.archiver.StatusAppended(participantID, e.Index, text); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldParticipantID, participantID).Msg("archive status entry")
		}
	}
	return e, nil
}

// Get returns entries after since for participantID.
func (s *Store) Get(participantID string, since int) (Page, error) {
	l, ok := s.Log(participantID)
	if !ok {
		return Page{}, ErrNotFound
	}
	return l.Since(since), nil
}

// Close drops the participant's log and wakes any waiters. Closing an
// unknown participant is a no-op.
func (s *Store) Close(participantID string) {
	s.mu.Lock()
	l, ok := s.logs[participantID]
	delete(s.logs, participantID)
	s.mu.Unlock()
	if ok {
		l.close()
	}
}

// Len returns the number of open logs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// Writer returns a sink that appends to participantID in this store.
func (s *Store) Writer(participantID string) *Writer {
	return &Writer{store: s, participantID: participantID}
}

// Writer appends to one participant's log in a local Store.
type Writer struct {
	store         *Store
	participantID string
}

// AppendStatus appends text. ctx is accepted for parity with the HTTP client.
func (w *Writer) AppendStatus(_ context.Context, text string) error {
	_, err := w.store.Append(w.participantID, text)
	return err
}
