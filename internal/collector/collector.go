// Package collector runs the collection pipeline: it crawls the upstream
// region by region, normalizes and scores every payload, upserts the relevant
// records and appends exactly one audit row per run.
package collector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	guuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/clock/system"
	"github.com/JakeFAU/pncp-monitor/internal/crawler"
	"github.com/JakeFAU/pncp-monitor/internal/hash/sha256"
	"github.com/JakeFAU/pncp-monitor/internal/id/uuid"
	"github.com/JakeFAU/pncp-monitor/internal/lock"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/progress"
	"github.com/JakeFAU/pncp-monitor/internal/store"
	"github.com/JakeFAU/pncp-monitor/internal/upstream"
)

var (
	// ErrAlreadyRunning rejects a run while another one is in flight.
	ErrAlreadyRunning = errors.New("collection already running")
	// ErrInvalidRequest wraps request or configuration validation failures.
	ErrInvalidRequest = errors.New("invalid collection request")
)

// Run triggers recorded in the audit log.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerCLI      = "cli"
)

const (
	defaultRunTimeout = 30 * time.Minute
	persistTimeout    = 30 * time.Second
	archiveDigestLen  = 12
)

// Pager yields the pages of one region in order.
type Pager interface {
	Region(ctx context.Context, cfg crawler.Config, window crawler.Window, region string) iter.Seq[crawler.Batch]
}

// Normalizer maps raw payloads to canonical records.
type Normalizer interface {
	Normalize(raw procurement.RawProcurement, now time.Time) (procurement.Record, error)
}

// Settings are the per-deployment collection defaults.
type Settings struct {
	Crawl             crawler.Config
	Shape             upstream.Shape
	RegionConcurrency int
	RunTimeout        time.Duration
	ArchivePages      bool
	ArchivePrefix     string
	RunsTopic         string
	AlertsTopic       string
}

// Deps are the collaborators of a Collector. Pager, Normalizer and Store are
// required; the rest have in-process defaults or are optional.
type Deps struct {
	Pager      Pager
	Normalizer Normalizer
	Store      store.Store
	Clock      procurement.Clock
	IDs        procurement.IDGenerator
	Hasher     procurement.Hasher
	Blobs      procurement.BlobStore
	Publisher  procurement.Publisher
	Events     progress.Emitter
	Locker     lock.Locker
	Logger     *zap.Logger
}

// Request overrides the default window and regions for one run.
type Request struct {
	DateRangeDays int
	Regions       []string
	Trigger       string
}

// Collector orchestrates collection runs. At most one run is in flight per
// Collector; the Locker extends that guarantee across processes.
type Collector struct {
	settings Settings
	deps     Deps
	logger   *zap.Logger

	running sync.Mutex

	mu      sync.RWMutex
	current procurement.RunProgress

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates deps and fills in defaults.
func New(settings Settings, deps Deps) (*Collector, error) {
	if deps.Pager == nil {
		return nil, errors.New("collector: pager is required")
	}
	if deps.Normalizer == nil {
		return nil, errors.New("collector: normalizer is required")
	}
	if deps.Store == nil {
		return nil, errors.New("collector: store is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New(nil)
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New(archiveDigestLen)
	}
	if deps.Events == nil {
		deps.Events = progress.NopEmitter{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if settings.RegionConcurrency < 1 {
		settings.RegionConcurrency = 1
	}
	if settings.RunTimeout <= 0 {
		settings.RunTimeout = defaultRunTimeout
	}
	if settings.Shape == "" {
		settings.Shape = upstream.ShapeRegion
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		settings: settings,
		deps:     deps,
		logger:   deps.Logger.Named("collector"),
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Run executes one collection synchronously and returns the persisted run.
// A run rejected with ErrAlreadyRunning is not recorded; every other outcome
// appends exactly one CollectionRun.
func (c *Collector) Run(ctx context.Context, req Request) (procurement.CollectionRun, error) {
	if !c.running.TryLock() {
		return procurement.CollectionRun{}, ErrAlreadyRunning
	}
	defer c.running.Unlock()

	e, err := c.begin(ctx, req)
	if err != nil {
		if e == nil {
			return procurement.CollectionRun{}, err
		}
		return c.finish(ctx, e, err)
	}
	return c.execute(ctx, e)
}

// Start launches a run in the background and returns its initial progress.
// Validation and lock failures are reported synchronously.
func (c *Collector) Start(req Request) (procurement.RunProgress, error) {
	if !c.running.TryLock() {
		return procurement.RunProgress{}, ErrAlreadyRunning
	}
	e, err := c.begin(c.baseCtx, req)
	if err != nil {
		defer c.running.Unlock()
		if e == nil {
			return procurement.RunProgress{}, err
		}
		_, err = c.finish(c.baseCtx, e, err)
		return c.Progress(), err
	}

	snapshot := c.Progress()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Unlock()
		if _, err := c.execute(c.baseCtx, e); err != nil {
			c.logger.Error("background collection failed", zap.String("run_id", e.id), zap.Error(err))
		}
	}()
	return snapshot, nil
}

// Progress returns a snapshot of the current or most recent run.
func (c *Collector) Progress() procurement.RunProgress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Close cancels background runs and waits for them to record their outcome.
func (c *Collector) Close(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for collection: %w", ctx.Err())
	}
}

// begin resolves the request, resets progress and acquires the run lock. A
// nil execution means nothing must be recorded.
func (c *Collector) begin(ctx context.Context, req Request) (*execution, error) {
	startedAt := c.deps.Clock.Now()
	id, idErr := c.deps.IDs.NewID()
	if idErr != nil {
		id = fallbackRunID(startedAt)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	cfg := c.resolve(req)
	e := &execution{
		id:        id,
		eventID:   progress.ParseRunID(id),
		trigger:   trigger,
		cfg:       cfg,
		startedAt: startedAt,
		logger:    c.logger.With(zap.String("run_id", id), zap.String("trigger", trigger)),
	}

	if idErr != nil {
		c.reset(e, 0)
		return e, fmt.Errorf("generate run id: %w", idErr)
	}
	if err := c.validate(req, cfg); err != nil {
		c.reset(e, 0)
		return e, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := c.deps.Locker.TryLock(ctx, id); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, ErrAlreadyRunning
		}
		c.reset(e, 0)
		return e, fmt.Errorf("acquire run lock: %w", err)
	}
	e.locked = true
	c.reset(e, len(cfg.Regions))
	return e, nil
}

// fallbackRunID derives a name-based UUID from the start time so a run whose
// generator failed is still recorded and traceable.
func fallbackRunID(startedAt time.Time) string {
	name := "pncp-monitor/run/" + startedAt.UTC().Format(time.RFC3339Nano)
	return guuid.NewSHA1(guuid.NameSpaceURL, []byte(name)).String()
}

func (c *Collector) resolve(req Request) crawler.Config {
	cfg := c.settings.Crawl
	cfg.Regions = append([]string(nil), cfg.Regions...)
	if req.DateRangeDays != 0 {
		cfg.DateRangeDays = req.DateRangeDays
	}
	if len(req.Regions) > 0 {
		cfg.Regions = make([]string, 0, len(req.Regions))
		for _, r := range req.Regions {
			cfg.Regions = append(cfg.Regions, strings.ToUpper(strings.TrimSpace(r)))
		}
	}
	if c.settings.Shape == upstream.ShapePublication {
		cfg.Regions = []string{crawler.AllRegions}
	}
	return cfg
}

func (c *Collector) validate(req Request, cfg crawler.Config) error {
	if req.DateRangeDays < 0 {
		return fmt.Errorf("date range must be > 0 days, got %d", req.DateRangeDays)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.settings.Shape == upstream.ShapeRegion {
		for _, r := range cfg.Regions {
			if r == "" {
				return errors.New("region codes must not be empty")
			}
		}
	}
	return nil
}

func (c *Collector) reset(e *execution, regions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = procurement.RunProgress{
		RunID:        e.id,
		Running:      true,
		Trigger:      e.trigger,
		StartedAt:    e.startedAt,
		RegionsTotal: regions,
	}
}

func (c *Collector) update(fn func(p *procurement.RunProgress)) procurement.RunProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.current)
	return c.current
}
