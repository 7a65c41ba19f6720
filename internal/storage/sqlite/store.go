// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/pncp-monitor/internal/metrics"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Tables names the record and run tables.
type Tables struct {
	Records string
	Runs    string
}

func (t Tables) withDefaults() (Tables, error) {
	if t.Records == "" {
		t.Records = "procurements"
	}
	if t.Runs == "" {
		t.Runs = "collection_runs"
	}
	for _, name := range []string{t.Records, t.Runs} {
		if !validTableName.MatchString(name) {
			return t, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

const recordColumns = `control_number, year, sequential_number, cnpj, legal_name, government_branch,
government_sphere, unit_name, modality, object_description, estimated_total_value, status,
publication_date, proposal_opening_at, proposal_closing_at, source_link, relevance_score,
matched_keywords, items, viewed, note, collected_at`

// Store is a SQLite-backed store.Store.
type Store struct {
	db     *sql.DB
	tables Tables
	path   string
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path and applies pending migrations.
func Open(path string, tables Tables) (*Store, error) {
	tables, err := tables.withDefaults()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps upserts serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db, tables); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Store{db: db, tables: tables, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Ping verifies the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts rec or merges it into the existing row.
func (s *Store) Upsert(ctx context.Context, rec procurement.Record) (created bool, err error) {
	defer func() { metrics.ObserveStoreOp("upsert", err) }()
	if rec.ControlNumber == "" {
		return false, store.ErrInvalidRecord
	}
	keywords, err := json.Marshal(nonNil(rec.MatchedKeywords))
	if err != nil {
		return false, fmt.Errorf("marshal keywords: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE control_number = ?", s.tables.Records),
		rec.ControlNumber,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", rec.ControlNumber, err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s, search_text)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
ON CONFLICT(control_number) DO UPDATE SET
    year = excluded.year,
    sequential_number = excluded.sequential_number,
    cnpj = excluded.cnpj,
    legal_name = excluded.legal_name,
    government_branch = excluded.government_branch,
    government_sphere = excluded.government_sphere,
    unit_name = excluded.unit_name,
    modality = excluded.modality,
    object_description = excluded.object_description,
    estimated_total_value = excluded.estimated_total_value,
    status = excluded.status,
    publication_date = excluded.publication_date,
    proposal_opening_at = excluded.proposal_opening_at,
    proposal_closing_at = excluded.proposal_closing_at,
    source_link = excluded.source_link,
    relevance_score = excluded.relevance_score,
    matched_keywords = excluded.matched_keywords,
    items = excluded.items,
    search_text = excluded.search_text`, s.tables.Records, recordColumns)

	_, err = tx.ExecContext(ctx, query,
		rec.ControlNumber,
		rec.Year,
		rec.SequentialNumber,
		rec.IssuingBody.CNPJ,
		rec.IssuingBody.LegalName,
		rec.IssuingBody.GovernmentBranch,
		rec.IssuingBody.GovernmentSphere,
		rec.UnitName,
		rec.Modality,
		rec.ObjectDescription,
		rec.EstimatedTotalValue,
		string(rec.Status),
		rec.PublicationDate,
		formatTime(rec.ProposalOpeningAt),
		formatTime(rec.ProposalClosingAt),
		rec.SourceLink,
		rec.RelevanceScore,
		string(keywords),
		rawText(rec.Items),
		rec.CollectedAt.UTC().Format(time.RFC3339Nano),
		store.SearchText(rec),
	)
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", rec.ControlNumber, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	return exists == 0, nil
}

// Get loads one record.
func (s *Store) Get(ctx context.Context, controlNumber string) (procurement.Record, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE control_number = ?", recordColumns, s.tables.Records),
		controlNumber,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return procurement.Record{}, store.ErrNotFound
	}
	if err != nil {
		return procurement.Record{}, fmt.Errorf("get %s: %w", controlNumber, err)
	}
	return rec, nil
}

// Query filters records with a squirrel-built statement.
func (s *Store) Query(ctx context.Context, filter procurement.Filter) (_ []procurement.Record, err error) {
	defer func() { metrics.ObserveStoreOp("query", err) }()
	b := sq.Select(recordColumns).From(s.tables.Records).OrderBy("publication_date DESC", "id ASC")
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Text != "" {
		b = b.Where(sq.Expr(`search_text LIKE ? ESCAPE '\'`, store.LikePattern(filter.Text)))
	}
	switch {
	case filter.Limit > 0:
		b = b.Limit(uint64(filter.Limit))
	case filter.Offset > 0:
		// SQLite requires LIMIT before OFFSET.
		b = b.Limit(math.MaxInt64)
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []procurement.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// MarkViewed sets viewed = 1.
func (s *Store) MarkViewed(ctx context.Context, controlNumber string) error {
	return s.update(ctx, "viewed = 1", controlNumber)
}

// Annotate replaces the note.
func (s *Store) Annotate(ctx context.Context, controlNumber, note string) error {
	return s.update(ctx, "note = ?", controlNumber, store.NoteValue(note))
}

func (s *Store) update(ctx context.Context, set, controlNumber string, args ...any) error {
	args = append(args, controlNumber)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE control_number = ?", s.tables.Records, set),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", controlNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendRun inserts one audit row.
func (s *Store) AppendRun(ctx context.Context, run procurement.CollectionRun) (_ procurement.CollectionRun, err error) {
	defer func() { metrics.ObserveStoreOp("append_run", err) }()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (run_trigger, total_scanned, total_relevant, created, rejected, region_errors, status, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tables.Runs),
		run.Trigger,
		run.TotalScanned,
		run.TotalRelevant,
		run.Created,
		run.Rejected,
		run.RegionErrors,
		string(run.Status),
		run.Error,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		formatTime(run.FinishedAt),
	)
	if err != nil {
		return run, fmt.Errorf("append run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return run, fmt.Errorf("run id: %w", err)
	}
	run.ID = id
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]procurement.CollectionRun, error) {
	b := sq.Select("id", "run_trigger", "total_scanned", "total_relevant", "created", "rejected",
		"region_errors", "status", "error", "started_at", "finished_at").
		From(s.tables.Runs).
		OrderBy("id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []procurement.CollectionRun{}
	for rows.Next() {
		var (
			run      procurement.CollectionRun
			status   string
			started  string
			finished sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Trigger, &run.TotalScanned, &run.TotalRelevant, &run.Created,
			&run.Rejected, &run.RegionErrors, &status, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = procurement.RunStatus(status)
		if errText.Valid {
			run.Error = &errText.String
		}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if run.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (procurement.Record, error) {
	var (
		rec       procurement.Record
		status    string
		opening   sql.NullString
		closing   sql.NullString
		keywords  string
		items     sql.NullString
		viewed    int
		note      sql.NullString
		collected string
	)
	err := row.Scan(
		&rec.ControlNumber,
		&rec.Year,
		&rec.SequentialNumber,
		&rec.IssuingBody.CNPJ,
		&rec.IssuingBody.LegalName,
		&rec.IssuingBody.GovernmentBranch,
		&rec.IssuingBody.GovernmentSphere,
		&rec.UnitName,
		&rec.Modality,
		&rec.ObjectDescription,
		&rec.EstimatedTotalValue,
		&status,
		&rec.PublicationDate,
		&opening,
		&closing,
		&rec.SourceLink,
		&rec.RelevanceScore,
		&keywords,
		&items,
		&viewed,
		&note,
		&collected,
	)
	if err != nil {
		return rec, err
	}
	rec.Status = procurement.Status(status)
	rec.Viewed = viewed != 0
	if note.Valid {
		rec.Note = &note.String
	}
	if items.Valid {
		rec.Items = json.RawMessage(items.String)
	}
	if err := json.Unmarshal([]byte(keywords), &rec.MatchedKeywords); err != nil {
		return rec, fmt.Errorf("decode keywords: %w", err)
	}
	if rec.ProposalOpeningAt, err = parseTime(opening); err != nil {
		return rec, err
	}
	if rec.ProposalClosingAt, err = parseTime(closing); err != nil {
		return rec, err
	}
	if rec.CollectedAt, err = time.Parse(time.RFC3339Nano, collected); err != nil {
		return rec, fmt.Errorf("parse collected_at: %w", err)
	}
	return rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func rawText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
