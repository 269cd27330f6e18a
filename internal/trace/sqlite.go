package trace

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists lifecycle events to a SQLite database, one row per
// event, append only. WAL mode keeps recording cheap under concurrent
// workers; a busy timeout absorbs writer contention instead of surfacing it.
//
// The sink honors the Sink inertness contract: Record buffers in memory and
// each Flush call writes the buffer as one batch; database errors mark the sink broken
// and further events are dropped silently. Flush drains the buffer and
// reports the first error for shutdown-time diagnostics.
type SQLiteSink struct {
	db    *sql.DB
	runID string

	mu     sync.Mutex
	buf    []Event
	broken error
}

// NewSQLiteSink opens (or creates) the database at path and initializes the
// schema. runID stamps every row so multiple runtime instances can share a
// database.
func NewSQLiteSink(path, runID string) (*SQLiteSink, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteSink{db: db, runID: runID}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate trace db: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_events (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id  TEXT NOT NULL,
		kind    TEXT NOT NULL,
		task    INTEGER NOT NULL,
		worker  INTEGER NOT NULL,
		space   INTEGER NOT NULL,
		detail  TEXT,
		at_ns   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_events_run ON task_events(run_id, task);
	CREATE INDEX IF NOT EXISTS idx_task_events_kind ON task_events(run_id, kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record buffers the event. It never blocks on the database and never
// panics.
func (s *SQLiteSink) Record(e Event) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.broken == nil {
		s.buf = append(s.buf, e)
	}
	s.mu.Unlock()
}

// Flush writes all buffered events in one transaction. The first database
// error marks the sink broken; subsequent Record calls drop events.
func (s *SQLiteSink) Flush() error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	err := s.broken
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return s.markBroken(fmt.Errorf("trace flush: begin: %w", err))
	}
	stmt, err := tx.Prepare(`INSERT INTO task_events (run_id, kind, task, worker, space, detail, at_ns) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return s.markBroken(fmt.Errorf("trace flush: prepare: %w", err))
	}
	defer stmt.Close()
	for _, e := range batch {
		if _, err := stmt.Exec(s.runID, string(e.Kind), int64(e.Task), int64(e.Worker), int64(e.Space), e.Detail, e.At.UnixNano()); err != nil {
			tx.Rollback()
			return s.markBroken(fmt.Errorf("trace flush: insert: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return s.markBroken(fmt.Errorf("trace flush: commit: %w", err))
	}
	return nil
}

func (s *SQLiteSink) markBroken(err error) error {
	s.mu.Lock()
	if s.broken == nil {
		s.broken = err
	}
	s.mu.Unlock()
	return err
}

// Close flushes and closes the database.
func (s *SQLiteSink) Close() error {
	flushErr := s.Flush()
	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// EventCount flushes the buffer and reports the rows stored for this sink's
// run.
func (s *SQLiteSink) EventCount() (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM task_events WHERE run_id = ?`, s.runID).Scan(&n)
	return n, err
}
