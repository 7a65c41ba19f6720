package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pncp-monitor/internal/catalog"
	"github.com/JakeFAU/pncp-monitor/internal/crawler"
	"github.com/JakeFAU/pncp-monitor/internal/hash/sha256"
	"github.com/JakeFAU/pncp-monitor/internal/lock"
	"github.com/JakeFAU/pncp-monitor/internal/normalize"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/progress"
	pubmemory "github.com/JakeFAU/pncp-monitor/internal/publisher/memory"
	"github.com/JakeFAU/pncp-monitor/internal/status"
	"github.com/JakeFAU/pncp-monitor/internal/storage/memory"
	"github.com/JakeFAU/pncp-monitor/internal/storage/sqlite"
	"github.com/JakeFAU/pncp-monitor/internal/store"
	"github.com/JakeFAU/pncp-monitor/internal/upstream"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("0190f5c8-0000-7000-8000-%012d", s.n.Add(1)), nil
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func (r *recorder) byStage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

// source adapts a function to crawler.PageSource and records every query.
type source struct {
	mu    sync.Mutex
	calls []upstream.PageQuery
	fn    func(ctx context.Context, q upstream.PageQuery) (upstream.Page, error)
}

func (s *source) FetchPage(ctx context.Context, q upstream.PageQuery) (upstream.Page, error) {
	s.mu.Lock()
	s.calls = append(s.calls, q)
	s.mu.Unlock()
	return s.fn(ctx, q)
}

func (s *source) queries() []upstream.PageQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]upstream.PageQuery(nil), s.calls...)
}

// pages serves fixed pages per region; pages beyond the list are empty.
func pages(byRegion map[string][]upstream.Page) *source {
	return &source{fn: func(_ context.Context, q upstream.PageQuery) (upstream.Page, error) {
		list := byRegion[q.Region]
		if q.Page > len(list) {
			return upstream.Page{StatusCode: http.StatusOK}, nil
		}
		return list[q.Page-1], nil
	}}
}

func raw(year, seq int, object string) procurement.RawProcurement {
	payload := fmt.Sprintf(`{
		"anoCompra": %d,
		"sequencialCompra": %d,
		"objetoCompra": %q,
		"orgaoEntidade": {"cnpj": "00394445000166", "razaoSocial": "UNIVERSIDADE FEDERAL"},
		"dataPublicacaoPncp": "2024-05-02T10:00:00"
	}`, year, seq, object)
	var out procurement.RawProcurement
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		panic(err)
	}
	return out
}

func page(items ...procurement.RawProcurement) upstream.Page {
	return upstream.Page{Items: items, Body: []byte(`{"data":[]}`), StatusCode: http.StatusOK}
}

type harness struct {
	store  *memory.RecordStore
	events *recorder
	blobs  *memory.BlobStore
	pub    *pubmemory.Publisher
}

func newCollector(t *testing.T, src crawler.PageSource, mutate func(*Settings, *Deps)) (*Collector, *harness) {
	t.Helper()
	cat, err := catalog.Default(catalog.DefaultWeights())
	require.NoError(t, err)

	h := &harness{
		store:  memory.NewRecordStore(),
		events: &recorder{},
		blobs:  memory.NewBlobStore(),
		pub:    pubmemory.New(),
	}
	settings := Settings{
		Crawl: crawler.Config{
			DateRangeDays:     7,
			Regions:           []string{"SP"},
			PageSize:          50,
			MaxPagesPerRegion: 10,
		},
		RegionConcurrency: 1,
		RunTimeout:        5 * time.Second,
		ArchivePrefix:     "pages",
		RunsTopic:         "runs",
		AlertsTopic:       "alerts",
	}
	deps := Deps{
		Pager:      crawler.New(src),
		Normalizer: normalize.New(cat, status.NewClassifier(time.UTC, nil)),
		Store:      h.store,
		Clock:      fixedClock{t: now},
		IDs:        &seqIDs{},
		Blobs:      h.blobs,
		Publisher:  h.pub,
		Events:     h.events,
	}
	if mutate != nil {
		mutate(&settings, &deps)
	}
	c, err := New(settings, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, h
}

func TestRunTwoPageScenario(t *testing.T) {
	t.Parallel()

	src := pages(map[string][]upstream.Page{
		"SP": {page(raw(2024, 1, "Aquisição de impressora 3D"), raw(2024, 2, "material de limpeza"))},
	})
	c, h := newCollector(t, src, nil)

	run, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, int64(1), run.ID)
	require.Equal(t, procurement.RunSuccess, run.Status)
	require.Nil(t, run.Error)
	require.Equal(t, 2, run.TotalScanned)
	require.Equal(t, 1, run.TotalRelevant)
	require.Equal(t, 1, run.Created)
	require.Equal(t, TriggerManual, run.Trigger)
	require.Equal(t, now, run.StartedAt)

	rec, err := h.store.Get(context.Background(), "2024-1")
	require.NoError(t, err)
	require.Equal(t, 5, rec.RelevanceScore)
	require.True(t, now.Equal(rec.CollectedAt), "collected_at = %v", rec.CollectedAt)
	require.Equal(t, "2024-05-02", rec.PublicationDate)
	require.Equal(t, "https://pncp.gov.br/app/editais/00394445000166/2024/1", rec.SourceLink)
	_, err = h.store.Get(context.Background(), "2024-2")
	require.ErrorIs(t, err, store.ErrNotFound)

	queries := src.queries()
	require.Len(t, queries, 2)
	require.Equal(t, now.AddDate(0, 0, -7), queries[0].DateInitial)
	require.Equal(t, now, queries[0].DateFinal)
	require.Equal(t, "SP", queries[0].Region)

	p := c.Progress()
	require.False(t, p.Running)
	require.Equal(t, procurement.RunSuccess, p.Status)
	require.Equal(t, 1, p.PagesFetched)
	require.Equal(t, 1, p.RegionsDone)
	require.NotNil(t, p.FinishedAt)

	require.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageRegionStart,
		progress.StagePageDone,
		progress.StageRegionDone,
		progress.StageRunDone,
	}, h.events.stages())

	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()

	src := pages(map[string][]upstream.Page{"SP": {page(raw(2024, 1, "resina"))}})
	c, h := newCollector(t, src, nil)

	first, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	require.NoError(t, h.store.MarkViewed(context.Background(), "2024-1"))

	second, err := c.Run(context.Background(), Request{Trigger: TriggerSchedule})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.ID)
	require.Equal(t, 1, second.TotalRelevant)
	require.Zero(t, second.Created)
	require.Equal(t, TriggerSchedule, second.Trigger)

	rec, err := h.store.Get(context.Background(), "2024-1")
	require.NoError(t, err)
	require.True(t, rec.Viewed)
}

func TestRunKeepsFirstCollectedAt(t *testing.T) {
	t.Parallel()

	lite, err := sqlite.Open(filepath.Join(t.TempDir(), "pncp.db"), sqlite.Tables{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })

	for name, st := range map[string]store.Store{
		"memory": memory.NewRecordStore(),
		"sqlite": lite,
	} {
		t.Run(name, func(t *testing.T) {
			clock := &stepClock{t: now}
			src := pages(map[string][]upstream.Page{"SP": {page(raw(2024, 1, "filamento PLA"))}})
			c, _ := newCollector(t, src, func(_ *Settings, d *Deps) {
				d.Store = st
				d.Clock = clock
			})

			_, err := c.Run(context.Background(), Request{})
			require.NoError(t, err)
			rec, err := st.Get(context.Background(), "2024-1")
			require.NoError(t, err)
			require.False(t, rec.CollectedAt.IsZero())
			require.True(t, now.Equal(rec.CollectedAt), "collected_at = %v", rec.CollectedAt)

			clock.Advance(24 * time.Hour)
			second, err := c.Run(context.Background(), Request{})
			require.NoError(t, err)
			require.Zero(t, second.Created)

			rec, err = st.Get(context.Background(), "2024-1")
			require.NoError(t, err)
			require.True(t, now.Equal(rec.CollectedAt), "collected_at = %v", rec.CollectedAt)
		})
	}
}

func TestRunCountsRejectedInScannedOnly(t *testing.T) {
	t.Parallel()

	var missing procurement.RawProcurement
	require.NoError(t, json.Unmarshal([]byte(`{"objetoCompra": "impressora 3d"}`), &missing))
	p := page(raw(2024, 1, "filamento PLA"), missing)
	p.Invalid = 1
	c, _ := newCollector(t, pages(map[string][]upstream.Page{"SP": {p}}), nil)

	run, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 3, run.TotalScanned)
	require.Equal(t, 1, run.TotalRelevant)
	require.Equal(t, 2, run.Rejected)
}

func TestRunIsolatesRegionFailures(t *testing.T) {
	t.Parallel()

	src := &source{fn: func(_ context.Context, q upstream.PageQuery) (upstream.Page, error) {
		switch {
		case q.Region == "AC":
			return upstream.Page{}, &upstream.StatusError{Code: http.StatusInternalServerError, URL: "http://pncp.test"}
		case q.Page == 1:
			return page(raw(2024, 9, "impressora 3d")), nil
		default:
			return upstream.Page{}, nil
		}
	}}
	c, h := newCollector(t, src, func(s *Settings, _ *Deps) {
		s.Crawl.Regions = []string{"AC", "SP"}
	})

	run, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, procurement.RunSuccess, run.Status)
	require.Equal(t, 1, run.RegionErrors)
	require.Equal(t, 1, run.TotalRelevant)

	_, err = h.store.Get(context.Background(), "2024-9")
	require.NoError(t, err)

	regionErrors := h.events.byStage(progress.StageRegionError)
	require.Len(t, regionErrors, 1)
	require.Equal(t, "AC", regionErrors[0].Region)
	require.Contains(t, regionErrors[0].Note, "500")
}

func TestRunStopsAtPageBound(t *testing.T) {
	t.Parallel()

	src := &source{fn: func(_ context.Context, q upstream.PageQuery) (upstream.Page, error) {
		return page(raw(2024, q.Page, "resina")), nil
	}}
	c, _ := newCollector(t, src, func(s *Settings, _ *Deps) {
		s.Crawl.MaxPagesPerRegion = 3
	})

	run, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, procurement.RunSuccess, run.Status)
	require.Equal(t, 3, run.TotalRelevant)
	require.Len(t, src.queries(), 3)
	require.Equal(t, 3, c.Progress().PagesFetched)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	src := &source{fn: func(ctx context.Context, q upstream.PageQuery) (upstream.Page, error) {
		if q.Page > 1 {
			return upstream.Page{}, nil
		}
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return upstream.Page{}, ctx.Err()
		}
		return page(raw(2024, 1, "resina")), nil
	}}
	c, h := newCollector(t, src, nil)

	snapshot, err := c.Start(Request{Trigger: TriggerManual})
	require.NoError(t, err)
	require.True(t, snapshot.Running)
	require.NotEmpty(t, snapshot.RunID)
	<-entered

	_, err = c.Run(context.Background(), Request{})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.EqualError(t, err, "collection already running")
	_, err = c.Start(Request{})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.True(t, c.Progress().Running)

	close(release)
	require.Eventually(t, func() bool {
		runs, err := h.store.ListRuns(context.Background(), 0)
		return err == nil && len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close(context.Background()))

	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, procurement.RunSuccess, runs[0].Status)
	require.False(t, c.Progress().Running)
}

func TestRunRejectsWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()

	locker := lock.NewLocal()
	require.NoError(t, locker.TryLock(context.Background(), "other-replica"))
	c, h := newCollector(t, pages(nil), func(_ *Settings, d *Deps) { d.Locker = locker })

	_, err := c.Run(context.Background(), Request{})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestRunRecordsInvalidRequest(t *testing.T) {
	t.Parallel()

	c, h := newCollector(t, pages(nil), nil)

	run, err := c.Run(context.Background(), Request{DateRangeDays: -1})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Equal(t, procurement.RunError, run.Status)
	require.NotNil(t, run.Error)
	require.Zero(t, run.TotalScanned)
	require.Zero(t, run.TotalRelevant)

	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, procurement.RunError, runs[0].Status)

	alerts := h.pub.Topic("alerts")
	require.Len(t, alerts, 1)
	var notice RunNotice
	require.NoError(t, alerts[0].Decode(&notice))
	require.True(t, notice.Alert)
	require.Equal(t, procurement.RunError, notice.Run.Status)

	_, err = c.Run(context.Background(), Request{Regions: []string{" "}})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

type brokenIDs struct{}

func (brokenIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func TestRunRecordsRunWhenIDGenerationFails(t *testing.T) {
	t.Parallel()

	src := pages(map[string][]upstream.Page{"SP": {page(raw(2024, 1, "resina"))}})
	c, h := newCollector(t, src, func(_ *Settings, d *Deps) { d.IDs = brokenIDs{} })

	run, err := c.Run(context.Background(), Request{})
	require.ErrorContains(t, err, "entropy exhausted")
	require.Equal(t, procurement.RunError, run.Status)
	require.NotNil(t, run.Error)
	require.Empty(t, src.queries())

	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, procurement.RunError, runs[0].Status)

	require.NotEmpty(t, c.Progress().RunID)
	require.Equal(t, fallbackRunID(now), c.Progress().RunID)
	require.Len(t, h.pub.Topic("alerts"), 1)

	// The lock was never taken, so a later run is not blocked.
	_, err = c.Run(context.Background(), Request{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAlreadyRunning)
	runs, err = h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

type failingStore struct {
	*memory.RecordStore
	pingErr    error
	failUpsert string
}

func (s *failingStore) Ping(ctx context.Context) error {
	if s.pingErr != nil {
		return s.pingErr
	}
	return s.RecordStore.Ping(ctx)
}

func (s *failingStore) Upsert(ctx context.Context, rec procurement.Record) (bool, error) {
	if rec.ControlNumber == s.failUpsert {
		return false, errors.New("disk full")
	}
	return s.RecordStore.Upsert(ctx, rec)
}

func TestRunStoreUnavailable(t *testing.T) {
	t.Parallel()

	st := &failingStore{RecordStore: memory.NewRecordStore(), pingErr: errors.New("connection refused")}
	src := pages(map[string][]upstream.Page{"SP": {page(raw(2024, 1, "resina"))}})
	c, _ := newCollector(t, src, func(_ *Settings, d *Deps) { d.Store = st })

	run, err := c.Run(context.Background(), Request{})
	require.ErrorContains(t, err, "store unavailable")
	require.Equal(t, procurement.RunError, run.Status)
	require.Zero(t, run.TotalScanned)
	require.Empty(t, src.queries())

	runs, err := st.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRunContinuesAfterUpsertFailure(t *testing.T) {
	t.Parallel()

	st := &failingStore{RecordStore: memory.NewRecordStore(), failUpsert: "2024-1"}
	src := pages(map[string][]upstream.Page{
		"SP": {page(raw(2024, 1, "resina"), raw(2024, 2, "filamento"))},
	})
	c, _ := newCollector(t, src, func(_ *Settings, d *Deps) { d.Store = st })

	run, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, procurement.RunSuccess, run.Status)
	require.Equal(t, 2, run.TotalScanned)
	require.Equal(t, 1, run.TotalRelevant)
	require.Equal(t, 1, c.Progress().StoreErrors)
}

func TestRunDeadlineKeepsCounts(t *testing.T) {
	t.Parallel()

	src := &source{fn: func(ctx context.Context, q upstream.PageQuery) (upstream.Page, error) {
		if q.Page == 1 {
			return page(raw(2024, 1, "resina")), nil
		}
		<-ctx.Done()
		return upstream.Page{}, ctx.Err()
	}}
	c, h := newCollector(t, src, func(s *Settings, _ *Deps) {
		s.RunTimeout = 50 * time.Millisecond
	})

	run, err := c.Run(context.Background(), Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, procurement.RunError, run.Status)
	require.Equal(t, 1, run.TotalScanned)
	require.Equal(t, 1, run.TotalRelevant)
	require.NotNil(t, run.Error)
	require.Contains(t, *run.Error, "deadline")

	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, procurement.RunError, runs[0].Status)
	require.Len(t, h.events.byStage(progress.StageRunError), 1)
}

func TestRunArchivesPagesAndPublishesNotice(t *testing.T) {
	t.Parallel()

	p := page(raw(2024, 1, "resina"))
	src := pages(map[string][]upstream.Page{"SP": {p}})
	c, h := newCollector(t, src, func(s *Settings, _ *Deps) { s.ArchivePages = true })

	run, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)

	digest, err := sha256.New(12).Hash(p.Body)
	require.NoError(t, err)
	want := fmt.Sprintf("pages/2024-05-10/%s/SP-1-%s.json", c.Progress().RunID, digest)
	require.Equal(t, []string{want}, h.blobs.Paths())
	body, ok := h.blobs.Object(want)
	require.True(t, ok)
	require.Equal(t, p.Body, body)

	notices := h.pub.Topic("runs")
	require.Len(t, notices, 1)
	var notice RunNotice
	require.NoError(t, notices[0].Decode(&notice))
	require.False(t, notice.Alert)
	require.Equal(t, run.ID, notice.Run.ID)
	require.Equal(t, c.Progress().RunID, notice.RunID)
	require.Empty(t, h.pub.Topic("alerts"))
}

func TestRunPublicationShapeCrawlsOnePartition(t *testing.T) {
	t.Parallel()

	src := pages(map[string][]upstream.Page{"": {page(raw(2024, 3, "impressora 3d"))}})
	c, h := newCollector(t, src, func(s *Settings, _ *Deps) {
		s.Shape = upstream.ShapePublication
		s.Crawl.Regions = []string{"SP", "RJ"}
	})

	run, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1, run.TotalRelevant)
	for _, q := range src.queries() {
		require.Empty(t, q.Region)
	}
	done := h.events.byStage(progress.StageRegionDone)
	require.Len(t, done, 1)
	require.Equal(t, "ALL", done[0].Region)
}

func TestRunFansOutRegions(t *testing.T) {
	t.Parallel()

	regions := []string{"AC", "AL", "AP", "AM", "BA", "CE", "DF", "ES"}
	var inFlight, peak atomic.Int32
	src := &source{fn: func(_ context.Context, q upstream.PageQuery) (upstream.Page, error) {
		if q.Page > 1 {
			return upstream.Page{}, nil
		}
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		seq := 0
		for i, r := range regions {
			if r == q.Region {
				seq = i + 1
			}
		}
		return page(raw(2024, seq, "resina")), nil
	}}
	c, _ := newCollector(t, src, func(s *Settings, _ *Deps) {
		s.Crawl.Regions = regions
		s.RegionConcurrency = 3
	})

	run, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, len(regions), run.TotalRelevant)
	require.Equal(t, len(regions), c.Progress().RegionsDone)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRequestOverridesRegionsAndWindow(t *testing.T) {
	t.Parallel()

	src := pages(nil)
	c, _ := newCollector(t, src, nil)

	_, err := c.Run(context.Background(), Request{DateRangeDays: 30, Regions: []string{"rj", " mg "}})
	require.NoError(t, err)
	queries := src.queries()
	require.Len(t, queries, 2)
	require.Equal(t, "RJ", queries[0].Region)
	require.Equal(t, "MG", queries[1].Region)
	require.Equal(t, now.AddDate(0, 0, -30), queries[0].DateInitial)
	require.Equal(t, 2, c.Progress().RegionsTotal)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Settings{}, Deps{})
	require.Error(t, err)
}
