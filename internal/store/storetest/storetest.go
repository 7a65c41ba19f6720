// Package storetest holds the behavioural suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/store"
)

// Factory returns an empty store. Cleanup is the factory's responsibility.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

// Record builds a relevant record for tests.
func Record(year, seq int, published, object string) procurement.Record {
	return procurement.Record{
		ControlNumber:       procurement.ControlNumber(year, seq),
		Year:                year,
		SequentialNumber:    seq,
		IssuingBody:         procurement.IssuingBody{CNPJ: "00394445000166", LegalName: "Universidade Federal"},
		ObjectDescription:   object,
		EstimatedTotalValue: 1500.5,
		Status:              procurement.StatusOpen,
		PublicationDate:     published,
		SourceLink:          "https://pncp.gov.br/app/editais/00394445000166/2024/1",
		RelevanceScore:      5,
		MatchedKeywords:     []string{"impressora 3d"},
		Items:               json.RawMessage(`[{"numeroItem":1}]`),
		CollectedAt:         base,
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertCreatesThenMerges", func(t *testing.T) { testUpsertMerge(t, newStore(t)) })
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsertIdempotent(t, newStore(t)) })
	t.Run("UpsertRejectsMissingIdentity", func(t *testing.T) { testUpsertInvalid(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("QueryOrderAndFilters", func(t *testing.T) { testQuery(t, newStore(t)) })
	t.Run("MarkViewedAndAnnotate", func(t *testing.T) { testUserFields(t, newStore(t)) })
	t.Run("AppendRunAssignsSequentialIDs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newStore(t).Ping(context.Background())) })
}

func testUpsertMerge(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := Record(2024, 1, "2024-05-01", "Aquisição de impressora 3D")

	created, err := s.Upsert(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.MarkViewed(ctx, rec.ControlNumber))
	require.NoError(t, s.Annotate(ctx, rec.ControlNumber, "follow up"))

	updated := rec
	updated.Status = procurement.StatusClosed
	updated.RelevanceScore = 8
	updated.MatchedKeywords = []string{"impressora 3d", "fdm"}
	updated.CollectedAt = base.Add(48 * time.Hour)
	created, err = s.Upsert(ctx, updated)
	require.NoError(t, err)
	require.False(t, created)

	got, err := s.Get(ctx, rec.ControlNumber)
	require.NoError(t, err)
	require.Equal(t, procurement.StatusClosed, got.Status)
	require.Equal(t, 8, got.RelevanceScore)
	require.Equal(t, []string{"impressora 3d", "fdm"}, got.MatchedKeywords)
	require.True(t, got.Viewed)
	require.NotNil(t, got.Note)
	require.Equal(t, "follow up", *got.Note)
	require.True(t, base.Equal(got.CollectedAt), "collected_at must keep first persistence, got %v", got.CollectedAt)
}

func testUpsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := Record(2024, 2, "2024-05-02", "Filamento PLA")

	_, err := s.Upsert(ctx, rec)
	require.NoError(t, err)
	first, err := s.Get(ctx, rec.ControlNumber)
	require.NoError(t, err)

	created, err := s.Upsert(ctx, rec)
	require.NoError(t, err)
	require.False(t, created)
	second, err := s.Get(ctx, rec.ControlNumber)
	require.NoError(t, err)
	require.Equal(t, first, second)

	all, err := s.Query(ctx, procurement.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testUpsertInvalid(t *testing.T, s store.Store) {
	_, err := s.Upsert(context.Background(), procurement.Record{})
	require.ErrorIs(t, err, store.ErrInvalidRecord)
}

func testGetMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "1999-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.MarkViewed(ctx, "1999-1"), store.ErrNotFound)
	require.ErrorIs(t, s.Annotate(ctx, "1999-1", "x"), store.ErrNotFound)
}

func testQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	older := Record(2024, 10, "2024-04-01", "Resina para impressora SLA")
	sameDayFirst := Record(2024, 11, "2024-05-05", "Scanner 3D portátil")
	sameDaySecond := Record(2024, 12, "2024-05-05", "Filamento PETG 100%_off")
	sameDaySecond.Status = procurement.StatusFuture
	sameDaySecond.IssuingBody.LegalName = "Prefeitura de SÃO PAULO"
	for _, r := range []procurement.Record{older, sameDayFirst, sameDaySecond} {
		_, err := s.Upsert(ctx, r)
		require.NoError(t, err)
	}

	all, err := s.Query(ctx, procurement.Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-11", "2024-12", "2024-10"}, controlNumbers(all))

	future, err := s.Query(ctx, procurement.Filter{Status: procurement.StatusFuture})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-12"}, controlNumbers(future))

	byText, err := s.Query(ctx, procurement.Filter{Text: "SCANNER"})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-11"}, controlNumbers(byText))

	byBody, err := s.Query(ctx, procurement.Filter{Text: "prefeitura"})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-12"}, controlNumbers(byBody))

	literal, err := s.Query(ctx, procurement.Filter{Text: "100%_"})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-12"}, controlNumbers(literal))

	none, err := s.Query(ctx, procurement.Filter{Status: procurement.StatusOpen, Text: "petg"})
	require.NoError(t, err)
	require.Empty(t, none)

	page, err := s.Query(ctx, procurement.Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-12"}, controlNumbers(page))

	tail, err := s.Query(ctx, procurement.Filter{Offset: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-10"}, controlNumbers(tail))
}

func testUserFields(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := Record(2024, 3, "2024-05-03", "Impressora 3D FDM")
	_, err := s.Upsert(ctx, rec)
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.ControlNumber)
	require.NoError(t, err)
	require.False(t, got.Viewed)
	require.Nil(t, got.Note)

	require.NoError(t, s.MarkViewed(ctx, rec.ControlNumber))
	require.NoError(t, s.MarkViewed(ctx, rec.ControlNumber))
	require.NoError(t, s.Annotate(ctx, rec.ControlNumber, "quote requested"))
	got, err = s.Get(ctx, rec.ControlNumber)
	require.NoError(t, err)
	require.True(t, got.Viewed)
	require.Equal(t, "quote requested", *got.Note)

	require.NoError(t, s.Annotate(ctx, rec.ControlNumber, ""))
	got, err = s.Get(ctx, rec.ControlNumber)
	require.NoError(t, err)
	require.Nil(t, got.Note)
}

func testRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	finished := base.Add(time.Minute)
	detail := "store unavailable"

	first, err := s.AppendRun(ctx, procurement.CollectionRun{
		Trigger:       "manual",
		TotalScanned:  10,
		TotalRelevant: 2,
		Created:       1,
		Status:        procurement.RunSuccess,
		StartedAt:     base,
		FinishedAt:    &finished,
	})
	require.NoError(t, err)
	second, err := s.AppendRun(ctx, procurement.CollectionRun{
		Trigger:   "schedule",
		Status:    procurement.RunError,
		Error:     &detail,
		StartedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second.ID, runs[0].ID)
	require.Equal(t, procurement.RunError, runs[0].Status)
	require.Equal(t, detail, *runs[0].Error)
	require.Nil(t, runs[0].FinishedAt)
	require.Equal(t, 10, runs[1].TotalScanned)
	require.Equal(t, 2, runs[1].TotalRelevant)
	require.Equal(t, "manual", runs[1].Trigger)
	require.NotNil(t, runs[1].FinishedAt)
	require.True(t, finished.Equal(*runs[1].FinishedAt))

	latest, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, second.ID, latest[0].ID)
}

func controlNumbers(recs []procurement.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ControlNumber)
	}
	return out
}
