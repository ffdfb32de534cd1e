package journal

import (
	"fmt"
)

// migrate runs journal migrations to create the required schema
func (j *Journal) migrate() error {
	migrations := []string{
		createHealthEventsTable,
		createIndexes,
	}

	for i, migration := range migrations {
		if _, err := j.conn.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	return nil
}

const createHealthEventsTable = `
CREATE TABLE IF NOT EXISTS health_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL CHECK (kind IN ('gate_transition', 'camera_outcome', 'spawn_failure', 'sensor_failure', 'storage_cleanup', 'shutdown_failure')),
    camera_index INTEGER NOT NULL DEFAULT -1,
    exit_code INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT '',
    timestamp DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_health_events_timestamp ON health_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_health_events_kind ON health_events(kind);
`
