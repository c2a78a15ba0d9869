// Package eventlog keeps an audit trail of safety relevant events in SQLite.
//
// Callbacks from the controllers hand events to Enqueue, which never blocks;
// a single writer goroutine started with Run persists them.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/apis-edge/internal/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS safety_events (
	id          TEXT PRIMARY KEY,
	session     TEXT NOT NULL,
	at          TEXT NOT NULL,
	kind        TEXT NOT NULL,
	detail      TEXT,
	laser_fired INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_safety_events_at ON safety_events(at);
CREATE INDEX IF NOT EXISTS idx_safety_events_kind ON safety_events(kind);
`

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultBuffer is the queue length used by Open.
const DefaultBuffer = 256

// ErrClosed is returned after Close.
var ErrClosed = errors.New("eventlog: closed")

// Kind classifies an event.
type Kind string

const (
	KindLaserOn        Kind = "laser_on"
	KindLaserOff       Kind = "laser_off"
	KindLaserTimeout   Kind = "laser_timeout"
	KindCheckFailed    Kind = "check_failed"
	KindSafetyState    Kind = "safety_state"
	KindMode           Kind = "mode"
	KindServoFault     Kind = "servo_fault"
	KindTargetAcquired Kind = "target_acquired"
	KindTargetLost     Kind = "target_lost"
)

// Event is one audit row.
type Event struct {
	ID         string    `json:"id"`
	Session    string    `json:"session"`
	At         time.Time `json:"at"`
	Kind       Kind      `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	LaserFired bool      `json:"laser_fired"`
}

// Log is the event store.
type Log struct {
	db      *sql.DB
	session string
	queue   chan Event
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	dropped uint64
	written uint64
	failed  uint64
}

// Stats are writer counters.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Open opens or creates the database at path and runs migrations. Every
// Log gets a fresh session id.
func Open(path string) (*Log, error) {
	return OpenBuffered(path, DefaultBuffer)
}

// OpenBuffered is Open with an explicit queue length.
func OpenBuffered(path string, buffer int) (*Log, error) {
	if buffer < 1 {
		buffer = 1
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps :memory: databases shared and writes serial.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Log{
		db:      db,
		session: uuid.New().String(),
		queue:   make(chan Event, buffer),
		log:     log.Component("eventlog"),
		now:     time.Now,
	}, nil
}

// Session returns the id stamped on events from this process.
func (l *Log) Session() string {
	return l.session
}

func (l *Log) fill(e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Session == "" {
		e.Session = l.session
	}
	if e.At.IsZero() {
		e.At = l.now()
	}
	e.At = e.At.UTC()
}

// Record writes an event synchronously.
func (l *Log) Record(ctx context.Context, e Event) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.fill(&e)
	return l.insert(ctx, e)
}

func (l *Log) insert(ctx context.Context, e Event) error {
	fired := 0
	if e.LaserFired {
		fired = 1
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO safety_events (id, session, at, kind, detail, laser_fired)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Session, e.At.Format(timeFormat), string(e.Kind), e.Detail, fired,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Enqueue hands an event to the writer. It never blocks: when the queue is
// full the event is dropped and counted.
func (l *Log) Enqueue(e Event) bool {
	l.fill(&e)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.queue <- e:
		return true
	default:
		l.dropped++
		return false
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is
// left in the queue.
func (l *Log) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.flush()
			return
		case e := <-l.queue:
			l.write(context.Background(), e)
		}
	}
}

func (l *Log) flush() {
	for {
		select {
		case e := <-l.queue:
			l.write(context.Background(), e)
		default:
			return
		}
	}
}

func (l *Log) write(ctx context.Context, e Event) {
	err := l.insert(ctx, e)
	l.mu.Lock()
	if err != nil {
		l.failed++
	} else {
		l.written++
	}
	l.mu.Unlock()
	if err != nil {
		l.log.Error("event write failed", "kind", e.Kind, "error", err)
	}
}

// Recent returns up to limit events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session, at, kind, detail, laser_fired
		 FROM safety_events ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			at     string
			kind   string
			detail sql.NullString
			fired  int
		)
		if err := rows.Scan(&e.ID, &e.Session, &at, &kind, &detail, &fired); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At, err = time.Parse(timeFormat, at)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", at, err)
		}
		e.Kind = Kind(kind)
		e.Detail = detail.String
		e.LaserFired = fired != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many events of kind are stored. An empty kind counts
// everything.
func (l *Log) Count(ctx context.Context, kind Kind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM safety_events`).Scan(&n)
	} else {
		err = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM safety_events WHERE kind = ?`, string(kind)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Prune deletes events older than before and returns how many were
// removed.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM safety_events WHERE at < ?`, before.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	if n > 0 {
		l.log.Info("pruned events", "count", n, "before", before)
	}
	return n, nil
}

// Stats returns writer counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Written: l.written, Dropped: l.dropped, Failed: l.failed}
}

// Close stops accepting events, writes whatever is still queued and closes
// the database.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.flush()
	return l.db.Close()
}
