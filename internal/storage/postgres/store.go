// Package postgres provides the Postgres-backed store.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pncp-monitor/internal/metrics"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const recordColumns = `control_number, year, sequential_number, cnpj, legal_name, government_branch,
government_sphere, unit_name, modality, object_description, estimated_total_value, status,
publication_date, proposal_opening_at, proposal_closing_at, source_link, relevance_score,
matched_keywords, items, viewed, note, collected_at`

const runColumns = `id, run_trigger, total_scanned, total_relevant, created, rejected, region_errors,
status, error, started_at, finished_at`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	RecordsTable    string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store writes procurement records and runs into Postgres.
type Store struct {
	pool    pool
	records string
	runs    string
}

var _ store.Store = (*Store)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.RecordsTable, cfg.RunsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, recordsTable, runsTable string) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if recordsTable == "" {
		recordsTable = "procurements"
	}
	if runsTable == "" {
		runsTable = "collection_runs"
	}
	for _, name := range []string{recordsTable, runsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: p, records: recordsTable, runs: runsTable}, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Upsert merges rec on control_number in one statement. xmax is zero only for
// freshly inserted tuples, which tells creation apart from update.
func (s *Store) Upsert(ctx context.Context, rec procurement.Record) (created bool, err error) {
	defer func() { metrics.ObserveStoreOp("upsert", err) }()
	if rec.ControlNumber == "" {
		return false, store.ErrInvalidRecord
	}

	keywords := rec.MatchedKeywords
	if keywords == nil {
		keywords = []string{}
	}
	var items []byte
	if len(rec.Items) > 0 {
		items = rec.Items
	}
	err = s.pool.QueryRow(ctx, s.upsertSQL(),
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
		rec.ProposalOpeningAt,
		rec.ProposalClosingAt,
		rec.SourceLink,
		rec.RelevanceScore,
		keywords,
		items,
		rec.CollectedAt,
		store.SearchText(rec),
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", rec.ControlNumber, err)
	}
	return created, nil
}

func (s *Store) upsertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (
	control_number, year, sequential_number, cnpj, legal_name, government_branch,
	government_sphere, unit_name, modality, object_description, estimated_total_value, status,
	publication_date, proposal_opening_at, proposal_closing_at, source_link, relevance_score,
	matched_keywords, items, collected_at, search_text
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (control_number) DO UPDATE SET
	year = EXCLUDED.year,
	sequential_number = EXCLUDED.sequential_number,
	cnpj = EXCLUDED.cnpj,
	legal_name = EXCLUDED.legal_name,
	government_branch = EXCLUDED.government_branch,
	government_sphere = EXCLUDED.government_sphere,
	unit_name = EXCLUDED.unit_name,
	modality = EXCLUDED.modality,
	object_description = EXCLUDED.object_description,
	estimated_total_value = EXCLUDED.estimated_total_value,
	status = EXCLUDED.status,
	publication_date = EXCLUDED.publication_date,
	proposal_opening_at = EXCLUDED.proposal_opening_at,
	proposal_closing_at = EXCLUDED.proposal_closing_at,
	source_link = EXCLUDED.source_link,
	relevance_score = EXCLUDED.relevance_score,
	matched_keywords = EXCLUDED.matched_keywords,
	items = EXCLUDED.items,
	search_text = EXCLUDED.search_text
RETURNING (xmax = 0) AS inserted`, s.records)
}

// Get loads a single record or returns store.ErrNotFound.
func (s *Store) Get(ctx context.Context, controlNumber string) (procurement.Record, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE control_number = $1", recordColumns, s.records),
		controlNumber,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return procurement.Record{}, store.ErrNotFound
	}
	if err != nil {
		return procurement.Record{}, fmt.Errorf("get %s: %w", controlNumber, err)
	}
	return rec, nil
}

// Query filters records ordered by publication date then insertion order.
func (s *Store) Query(ctx context.Context, filter procurement.Filter) (_ []procurement.Record, err error) {
	defer func() { metrics.ObserveStoreOp("query", err) }()
	b := psql.Select(recordColumns).From(s.records).OrderBy("publication_date DESC", "id ASC")
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Text != "" {
		b = b.Where(sq.Like{"search_text": store.LikePattern(filter.Text)})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

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

// MarkViewed sets viewed = true.
func (s *Store) MarkViewed(ctx context.Context, controlNumber string) error {
	return s.update(ctx, "viewed = TRUE", controlNumber)
}

// Annotate replaces the note; an empty note clears it.
func (s *Store) Annotate(ctx context.Context, controlNumber, note string) error {
	return s.update(ctx, "note = $2", controlNumber, store.NoteValue(note))
}

func (s *Store) update(ctx context.Context, set, controlNumber string, args ...any) error {
	args = append([]any{controlNumber}, args...)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE control_number = $1", s.records, set),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", controlNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendRun inserts an audit row and returns it with the generated ID.
func (s *Store) AppendRun(ctx context.Context, run procurement.CollectionRun) (_ procurement.CollectionRun, err error) {
	defer func() { metrics.ObserveStoreOp("append_run", err) }()
	query := fmt.Sprintf(`
INSERT INTO %s (run_trigger, total_scanned, total_relevant, created, rejected, region_errors, status, error, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id`, s.runs)
	err = s.pool.QueryRow(ctx, query,
		run.Trigger,
		run.TotalScanned,
		run.TotalRelevant,
		run.Created,
		run.Rejected,
		run.RegionErrors,
		string(run.Status),
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	).Scan(&run.ID)
	if err != nil {
		return run, fmt.Errorf("append run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]procurement.CollectionRun, error) {
	b := psql.Select(runColumns).From(s.runs).OrderBy("id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []procurement.CollectionRun{}
	for rows.Next() {
		var (
			run    procurement.CollectionRun
			status string
		)
		if err := rows.Scan(&run.ID, &run.Trigger, &run.TotalScanned, &run.TotalRelevant, &run.Created,
			&run.Rejected, &run.RegionErrors, &status, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = procurement.RunStatus(status)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (procurement.Record, error) {
	var (
		rec    procurement.Record
		status string
		items  []byte
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
		&rec.ProposalOpeningAt,
		&rec.ProposalClosingAt,
		&rec.SourceLink,
		&rec.RelevanceScore,
		&rec.MatchedKeywords,
		&items,
		&rec.Viewed,
		&rec.Note,
		&rec.CollectedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.Status = procurement.Status(status)
	if len(items) > 0 {
		rec.Items = items
	}
	return rec, nil
}
