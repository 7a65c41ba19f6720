package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/store"
)

type entry struct {
	seq    int64
	record procurement.Record
}

// RecordStore is an in-memory store.Store.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]entry
	runs    []procurement.CollectionRun
	nextSeq int64
}

var _ store.Store = (*RecordStore)(nil)

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]entry)}
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error { return nil }

// Upsert inserts or merges rec.
func (s *RecordStore) Upsert(_ context.Context, rec procurement.Record) (bool, error) {
	if rec.ControlNumber == "" {
		return false, store.ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.ControlNumber]; ok {
		s.records[rec.ControlNumber] = entry{seq: existing.seq, record: clone(store.Merge(existing.record, rec))}
		return false, nil
	}
	s.nextSeq++
	rec.Viewed = false
	rec.Note = nil
	s.records[rec.ControlNumber] = entry{seq: s.nextSeq, record: clone(rec)}
	return true, nil
}

// AppendRun appends run with the next sequential ID.
func (s *RecordStore) AppendRun(_ context.Context, run procurement.CollectionRun) (procurement.CollectionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = int64(len(s.runs) + 1)
	s.runs = append(s.runs, run)
	return run, nil
}

// Get fetches a record by control number.
func (s *RecordStore) Get(_ context.Context, controlNumber string) (procurement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[controlNumber]
	if !ok {
		return procurement.Record{}, store.ErrNotFound
	}
	return clone(e.record), nil
}

// Query filters and orders the stored records.
func (s *RecordStore) Query(_ context.Context, filter procurement.Filter) ([]procurement.Record, error) {
	s.mu.RLock()
	matched := make([]entry, 0, len(s.records))
	for _, e := range s.records {
		if store.Matches(e.record, filter) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b entry) int {
		if c := strings.Compare(b.record.PublicationDate, a.record.PublicationDate); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []procurement.Record{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	out := make([]procurement.Record, 0, len(matched))
	for _, e := range matched {
		out = append(out, clone(e.record))
	}
	return out, nil
}

// MarkViewed flags a record as seen.
func (s *RecordStore) MarkViewed(_ context.Context, controlNumber string) error {
	return s.update(controlNumber, func(r *procurement.Record) { r.Viewed = true })
}

// Annotate replaces the note of a record.
func (s *RecordStore) Annotate(_ context.Context, controlNumber, note string) error {
	return s.update(controlNumber, func(r *procurement.Record) { r.Note = store.NoteValue(note) })
}

func (s *RecordStore) update(controlNumber string, fn func(*procurement.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[controlNumber]
	if !ok {
		return store.ErrNotFound
	}
	fn(&e.record)
	s.records[controlNumber] = e
	return nil
}

// ListRuns returns runs newest first.
func (s *RecordStore) ListRuns(_ context.Context, limit int) ([]procurement.CollectionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]procurement.CollectionRun, 0, n)
	for i := len(s.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

// Close is a no-op.
func (s *RecordStore) Close() error { return nil }

func clone(r procurement.Record) procurement.Record {
	r.MatchedKeywords = slices.Clone(r.MatchedKeywords)
	if r.Items != nil {
		r.Items = slices.Clone(r.Items)
	}
	if r.Note != nil {
		n := *r.Note
		r.Note = &n
	}
	return r
}
