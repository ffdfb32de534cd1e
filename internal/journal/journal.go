// Package journal keeps recorder health events in SQLite
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"mdvr/internal/logging"
	"mdvr/internal/types"
)

// DefaultRetention is the number of events kept by Prune
const DefaultRetention = 10000

// Journal wraps the SQLite connection
type Journal struct {
	conn   *sql.DB
	logger *logrus.Entry
}

// Option configures a Journal
type Option func(*Journal)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(j *Journal) {
		j.logger = logging.NewComponentLogger(logger, "journal")
	}
}

// Open opens or creates the journal at path
func Open(path string, opts ...Option) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one writer; the control goroutine and the API share it
	conn.SetMaxOpenConns(1)

	j := &Journal{
		conn:   conn,
		logger: logging.NewComponentLogger(logging.Discard(), "journal"),
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.configurePragmas(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return j, nil
}

// configurePragmas favours fewer flash writes over durability of the last events
func (j *Journal) configurePragmas() error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -2000",
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := j.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Record stores event and sets its ID
func (j *Journal) Record(event *types.HealthEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	result, err := j.conn.Exec(
		`INSERT INTO health_events (kind, camera_index, exit_code, message, timestamp) VALUES (?, ?, ?, ?, ?)`,
		event.Kind,
		event.CameraIndex,
		event.ExitCode,
		event.Message,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert health event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	event.ID = id
	return nil
}

// List returns up to limit events, most recent first
func (j *Journal) List(limit int) ([]types.HealthEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.conn.Query(`
		SELECT id, kind, camera_index, exit_code, message, timestamp
		FROM health_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health events: %w", err)
	}
	defer rows.Close()

	events := make([]types.HealthEvent, 0, limit)
	for rows.Next() {
		var event types.HealthEvent
		if err := rows.Scan(
			&event.ID,
			&event.Kind,
			&event.CameraIndex,
			&event.ExitCode,
			&event.Message,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan health event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate health events: %w", err)
	}
	return events, nil
}

// Count returns the number of stored events
func (j *Journal) Count() (int64, error) {
	var n int64
	if err := j.conn.QueryRow(`SELECT COUNT(*) FROM health_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count health events: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep events
func (j *Journal) Prune(keep int) (int64, error) {
	result, err := j.conn.Exec(`
		DELETE FROM health_events
		WHERE id NOT IN (SELECT id FROM health_events ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune health events: %w", err)
	}
	return result.RowsAffected()
}

// Sink returns an EventSink that records events and logs failures
func (j *Journal) Sink() types.EventSink {
	return func(event types.HealthEvent) {
		if err := j.Record(&event); err != nil {
			logging.LogError(j.logger, err, "journal", "record")
		}
	}
}

// Tee fans one event out to several sinks
func Tee(sinks ...types.EventSink) types.EventSink {
	return func(event types.HealthEvent) {
		for _, sink := range sinks {
			if sink != nil {
				sink(event)
			}
		}
	}
}
