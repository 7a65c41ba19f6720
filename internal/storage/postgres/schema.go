package postgres

import (
	"context"
	"fmt"
)

func schemaStatements(records, runs string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
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
	estimated_total_value DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (estimated_total_value >= 0),
	status TEXT NOT NULL,
	publication_date TEXT NOT NULL DEFAULT '',
	proposal_opening_at TIMESTAMPTZ,
	proposal_closing_at TIMESTAMPTZ,
	source_link TEXT NOT NULL DEFAULT '',
	relevance_score INTEGER NOT NULL DEFAULT 0 CHECK (relevance_score >= 0),
	matched_keywords TEXT[] NOT NULL DEFAULT '{}',
	items JSONB,
	viewed BOOLEAN NOT NULL DEFAULT FALSE,
	note TEXT,
	search_text TEXT NOT NULL DEFAULT '',
	collected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_publication ON %[1]s (publication_date DESC, id)`, records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s (status)`, records),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_trigger TEXT NOT NULL DEFAULT '',
	total_scanned INTEGER NOT NULL DEFAULT 0,
	total_relevant INTEGER NOT NULL DEFAULT 0,
	created INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	region_errors INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
)`, runs),
	}
}

// EnsureSchema creates the tables and indexes when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.records, s.runs) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
