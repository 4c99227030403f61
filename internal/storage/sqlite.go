package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/logging"
	"github.com/soucevi1/diploma-thesis-server/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists lifecycle events and the recording catalog in a
// SQLite database with WAL mode.
type SQLiteStore struct {
	db            *sql.DB
	retention     time.Duration
	pruneInterval time.Duration
	stopPrune     chan struct{}
	pruneWg       sync.WaitGroup
	closeOnce     sync.Once
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp    DATETIME NOT NULL,
		kind         TEXT NOT NULL,
		sender_id    TEXT NOT NULL,
		detail       TEXT NOT NULL,
		recording_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
	`CREATE TABLE IF NOT EXISTS recordings (
		id        TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		path      TEXT NOT NULL,
		started   DATETIME NOT NULL,
		stopped   DATETIME,
		preroll   INTEGER NOT NULL,
		bytes     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_started ON recordings(started)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_sender ON recordings(sender_id)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path,
// enables WAL mode, creates the schema, and starts a background pruning
// goroutine based on the configured retention and prune interval.
func NewSQLiteStore(path string, retention, pruneInterval time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Enable WAL mode for concurrent reads during writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	// SQLite uses file-level locking; limit to one open connection to avoid
	// SQLITE_BUSY errors from concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:            db,
		retention:     retention,
		pruneInterval: pruneInterval,
		stopPrune:     make(chan struct{}),
	}

	if pruneInterval > 0 {
		s.pruneWg.Add(1)
		go s.pruneLoop()
	}

	return s, nil
}

// Insert stores one or more events in the database.
func (s *SQLiteStore) Insert(events []model.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO events
		(timestamp, kind, sender_id, detail, recording_id)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		recID := ""
		if ev.Recording != nil {
			recID = ev.Recording.ID
		}
		if _, err := stmt.Exec(ev.Timestamp.UTC(), string(ev.Kind), ev.SenderID, ev.Detail, recID); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

// Recent returns events from the last duration d, most recent first.
// If limit > 0, at most limit events are returned. Recording details are not
// joined; use Recordings for those.
func (s *SQLiteStore) Recent(d time.Duration, limit int) ([]model.Event, error) {
	cutoff := time.Now().UTC().Add(-d)

	query := "SELECT timestamp, kind, sender_id, detail FROM events " +
		"WHERE timestamp >= ? ORDER BY timestamp DESC, id DESC"

	var rows *sql.Rows
	var err error
	if limit > 0 {
		query += " LIMIT ?"
		rows, err = s.db.Query(query, cutoff, limit)
	} else {
		rows, err = s.db.Query(query, cutoff)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var kind string
		if err := rows.Scan(&ev.Timestamp, &kind, &ev.SenderID, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ev.Kind = model.EventKind(kind)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// SaveRecording inserts a recording or updates its stop time and size.
func (s *SQLiteStore) SaveRecording(rec model.Recording) error {
	var stopped sql.NullTime
	if !rec.Stopped.IsZero() {
		stopped = sql.NullTime{Time: rec.Stopped.UTC(), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO recordings
		(id, sender_id, path, started, stopped, preroll, bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET stopped = excluded.stopped, bytes = excluded.bytes`,
		rec.ID, rec.SenderID, rec.Path, rec.Started.UTC(), stopped, rec.PreRoll, rec.Bytes)
	if err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	return nil
}

// Recordings returns recordings started within the last duration d, most
// recent first, optionally filtered by sender.
func (s *SQLiteStore) Recordings(d time.Duration, senderID string, limit int) ([]model.Recording, error) {
	cutoff := time.Now().UTC().Add(-d)

	query := "SELECT id, sender_id, path, started, stopped, preroll, bytes FROM recordings WHERE started >= ?"
	args := []any{cutoff}
	if senderID != "" {
		query += " AND sender_id = ?"
		args = append(args, senderID)
	}
	query += " ORDER BY started DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	var recs []model.Recording
	for rows.Next() {
		var rec model.Recording
		var stopped sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SenderID, &rec.Path, &rec.Started, &stopped, &rec.PreRoll, &rec.Bytes); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if stopped.Valid {
			rec.Stopped = stopped.Time
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// Prune deletes events and finished recording entries older than the
// retention period. Recording files on disk are left alone.
func (s *SQLiteStore) Prune() (int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)

	res, err := s.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	events, _ := res.RowsAffected()

	res, err = s.db.Exec("DELETE FROM recordings WHERE started < ? AND stopped IS NOT NULL", cutoff)
	if err != nil {
		return events, fmt.Errorf("prune recordings: %w", err)
	}
	recs, _ := res.RowsAffected()
	return events + recs, nil
}

// pruneLoop runs periodic TTL-based cleanup until stopped.
func (s *SQLiteStore) pruneLoop() {
	defer s.pruneWg.Done()

	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := s.Prune()
			if err != nil {
				logging.Default().Named("storage").Error("SQLite prune error: %v", err)
			} else if deleted > 0 {
				logging.Default().Named("storage").Info("SQLite pruned %d expired rows", deleted)
			}
		case <-s.stopPrune:
			return
		}
	}
}

// Close stops the pruning goroutine and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopPrune)
		s.pruneWg.Wait()
		err = s.db.Close()
	})
	return err
}
