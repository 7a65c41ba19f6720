package store

import (
	"context"
	"errors"
	"strings"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidRecord is returned when a record without identity reaches the store.
var ErrInvalidRecord = errors.New("record has no control number")

// Store persists procurement records keyed by control number and the
// append-only collection run log. Every mutation is atomic per call.
type Store interface {
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Upsert inserts rec or merges it into the stored row with the same
	// control number. Viewed, note and collected_at of an existing row are
	// never overwritten. created is true only for new control numbers.
	Upsert(ctx context.Context, rec procurement.Record) (created bool, err error)
	// AppendRun adds one audit row and returns it with its sequential ID.
	AppendRun(ctx context.Context, run procurement.CollectionRun) (procurement.CollectionRun, error)
	// Get loads one record or returns ErrNotFound.
	Get(ctx context.Context, controlNumber string) (procurement.Record, error)
	// Query returns records ordered by publication date descending, then
	// insertion order.
	Query(ctx context.Context, filter procurement.Filter) ([]procurement.Record, error)
	// MarkViewed sets viewed=true or returns ErrNotFound.
	MarkViewed(ctx context.Context, controlNumber string) error
	// Annotate replaces the note; an empty note clears it.
	Annotate(ctx context.Context, controlNumber, note string) error
	// ListRuns returns the most recent runs first. limit <= 0 means all.
	ListRuns(ctx context.Context, limit int) ([]procurement.CollectionRun, error)
	Close() error
}

// Merge applies incoming over existing, keeping the user-owned fields and the
// first-persistence timestamp of existing.
func Merge(existing, incoming procurement.Record) procurement.Record {
	out := incoming
	out.Viewed = existing.Viewed
	out.Note = existing.Note
	out.CollectedAt = existing.CollectedAt
	return out
}

// SearchText is the case-folded haystack matched by Filter.Text.
func SearchText(rec procurement.Record) string {
	return strings.ToLower(rec.ObjectDescription + "\n" + rec.IssuingBody.LegalName)
}

// Matches reports whether rec satisfies filter (ignoring paging).
func Matches(rec procurement.Record, filter procurement.Filter) bool {
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Text != "" && !strings.Contains(SearchText(rec), strings.ToLower(filter.Text)) {
		return false
	}
	return true
}

// LikePattern turns free text into a LIKE pattern escaped with '\'.
func LikePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(text)) + "%"
}

// NoteValue maps the Annotate argument to the stored nullable note.
func NoteValue(note string) *string {
	if note == "" {
		return nil
	}
	return &note
}
