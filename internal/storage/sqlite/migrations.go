package sqlite

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx, t Tables) error
}

// migrations is the ordered schema history. Append only.
var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx, t Tables) error {
			_, err := tx.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    control_number TEXT NOT NULL UNIQUE,
    year INTEGER NOT NULL,
    sequential_number INTEGER NOT NULL,
    cnpj TEXT NOT NULL DEFAULT '',
    legal_name TEXT NOT NULL DEFAULT '',
    government_branch TEXT NOT NULL DEFAULT '',
    government_sphere TEXT NOT NULL DEFAULT '',
    unit_name TEXT NOT NULL DEFAULT '',
    modality TEXT NOT NULL DEFAULT '',
    object_description TEXT NOT NULL DEFAULT '',
    estimated_total_value REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    publication_date TEXT NOT NULL DEFAULT '',
    proposal_opening_at TEXT,
    proposal_closing_at TEXT,
    source_link TEXT NOT NULL DEFAULT '',
    relevance_score INTEGER NOT NULL DEFAULT 0,
    matched_keywords TEXT NOT NULL DEFAULT '[]',
    items TEXT,
    viewed INTEGER NOT NULL DEFAULT 0,
    note TEXT,
    search_text TEXT NOT NULL DEFAULT '',
    collected_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_publication ON %[1]s (publication_date DESC, id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s (status);

CREATE TABLE IF NOT EXISTS %[2]s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_trigger TEXT NOT NULL DEFAULT '',
    total_scanned INTEGER NOT NULL DEFAULT 0,
    total_relevant INTEGER NOT NULL DEFAULT 0,
    created INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    region_errors INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT
);
`, t.Records, t.Runs))
			return err
		},
	},
}

func latestVersion() int {
	return migrations[len(migrations)-1].Version
}

func schemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate brings the schema up to the latest version tracked in PRAGMA user_version.
func migrate(conn *sql.DB, t Tables) error {
	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	if current >= latestVersion() {
		return nil
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if err := m.Up(tx, t); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		// user_version cannot be set inside the migration transaction with modernc.
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("setting version %d: %w", m.Version, err)
		}
	}
	return nil
}
