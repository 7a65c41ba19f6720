package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/crawler"
	"github.com/JakeFAU/pncp-monitor/internal/dispatcher"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/progress"
	"github.com/JakeFAU/pncp-monitor/internal/queue/memory"
)

// allRegionsLabel names the single partition of an unpartitioned crawl in
// logs, events and archive paths.
const allRegionsLabel = "ALL"

type execution struct {
	id        string
	eventID   [16]byte
	trigger   string
	cfg       crawler.Config
	startedAt time.Time
	locked    bool
	logger    *zap.Logger
}

// RunNotice is published to the runs topic after every recorded run, and to
// the alerts topic when the run did not succeed.
type RunNotice struct {
	RunID string                    `json:"run_id"`
	Alert bool                      `json:"alert"`
	Run   procurement.CollectionRun `json:"run"`
}

func (c *Collector) execute(ctx context.Context, e *execution) (procurement.CollectionRun, error) {
	e.logger.Info("collection started",
		zap.Strings("regions", e.cfg.Regions),
		zap.Int("date_range_days", e.cfg.DateRangeDays),
	)
	c.emit(e, progress.Event{Stage: progress.StageRunStart, Note: e.trigger})

	runCtx, cancel := context.WithTimeout(ctx, c.settings.RunTimeout)
	defer cancel()

	if err := c.deps.Store.Ping(runCtx); err != nil {
		return c.finish(ctx, e, fmt.Errorf("store unavailable: %w", err))
	}

	window := e.cfg.WindowAt(e.startedAt)
	q := memory.NewQueue[string](len(e.cfg.Regions))
	pool := dispatcher.NewPool[string](q, c.settings.RegionConcurrency, func(ctx context.Context, region string) {
		c.collectRegion(ctx, e, window, region)
	}, e.logger)
	for _, region := range e.cfg.Regions {
		if err := pool.Enqueue(runCtx, region); err != nil {
			return c.finish(ctx, e, fmt.Errorf("schedule region %s: %w", regionLabel(region), err))
		}
	}
	q.Close()

	e.logger.Debug("crawling regions", zap.Int("regions", len(e.cfg.Regions)), zap.Int("workers", pool.Size()))
	pool.Run(runCtx)

	var runErr error
	switch err := runCtx.Err(); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		runErr = fmt.Errorf("collection deadline of %s exceeded: %w", c.settings.RunTimeout, err)
	default:
		runErr = fmt.Errorf("collection interrupted: %w", err)
	}
	return c.finish(ctx, e, runErr)
}

func (c *Collector) collectRegion(ctx context.Context, e *execution, window crawler.Window, region string) {
	label := regionLabel(region)
	logger := e.logger.With(zap.String("region", label))
	start := time.Now()
	c.emit(e, progress.Event{Stage: progress.StageRegionStart, Region: label})

	var failure error
	for batch := range c.deps.Pager.Region(ctx, e.cfg, window, region) {
		if batch.Err != nil {
			failure = batch.Err
			break
		}
		c.collectPage(ctx, e, label, batch, logger)
	}

	c.update(func(p *procurement.RunProgress) {
		p.RegionsDone++
		if failure != nil {
			p.RegionErrors++
		}
	})
	if failure != nil {
		logger.Warn("region failed", zap.Error(failure))
		c.emit(e, progress.Event{
			Stage:  progress.StageRegionError,
			Region: label,
			Dur:    time.Since(start),
			Note:   failure.Error(),
		})
		return
	}
	c.emit(e, progress.Event{Stage: progress.StageRegionDone, Region: label, Dur: time.Since(start)})
}

func (c *Collector) collectPage(ctx context.Context, e *execution, label string, batch crawler.Batch, logger *zap.Logger) {
	now := c.deps.Clock.Now()
	rejected := batch.Invalid
	var relevant, created, storeErrors int
	for _, raw := range batch.Items {
		rec, err := c.deps.Normalizer.Normalize(raw, now)
		if err != nil {
			rejected++
			logger.Debug("payload rejected", zap.Int("page", batch.Page), zap.Error(err))
			continue
		}
		if rec.RelevanceScore == 0 {
			continue
		}
		// Upsert keeps the stored value on conflict.
		rec.CollectedAt = now
		isNew, err := c.deps.Store.Upsert(ctx, rec)
		if err != nil {
			storeErrors++
			logger.Warn("upsert failed", zap.String("control_number", rec.ControlNumber), zap.Error(err))
			continue
		}
		relevant++
		if isNew {
			created++
		}
	}

	c.archive(ctx, e, label, batch, logger)

	c.update(func(p *procurement.RunProgress) {
		p.PagesFetched++
		p.Scanned += batch.Scanned()
		p.Relevant += relevant
		p.Created += created
		p.Rejected += rejected
		p.StoreErrors += storeErrors
	})
	c.emit(e, progress.Event{
		Stage:    progress.StagePageDone,
		Region:   label,
		Page:     batch.Page,
		Records:  int64(batch.Scanned()),
		Relevant: int64(relevant),
		Dur:      batch.Duration,
	})
}

// archive writes the raw page body to
// <prefix>/<yyyy-mm-dd>/<run id>/<region>-<page>-<digest>.json.
func (c *Collector) archive(ctx context.Context, e *execution, label string, batch crawler.Batch, logger *zap.Logger) {
	if !c.settings.ArchivePages || c.deps.Blobs == nil || len(batch.Body) == 0 {
		return
	}
	digest, err := c.deps.Hasher.Hash(batch.Body)
	if err != nil {
		logger.Warn("hash page", zap.Int("page", batch.Page), zap.Error(err))
		return
	}
	key := path.Join(
		c.settings.ArchivePrefix,
		e.startedAt.Format(time.DateOnly),
		e.id,
		fmt.Sprintf("%s-%d-%s.json", label, batch.Page, digest),
	)
	if _, err := c.deps.Blobs.PutObject(ctx, key, "application/json", bytes.NewReader(batch.Body)); err != nil {
		logger.Warn("archive page", zap.String("path", key), zap.Error(err))
	}
}

// finish records the run, notifies subscribers and releases the lock. The
// audit row is written even when ctx is already done.
func (c *Collector) finish(ctx context.Context, e *execution, runErr error) (procurement.CollectionRun, error) {
	finished := c.deps.Clock.Now()
	status := procurement.RunSuccess
	if runErr != nil {
		status = procurement.RunError
	}
	snap := c.update(func(p *procurement.RunProgress) {
		p.Running = false
		p.FinishedAt = &finished
		p.Status = status
	})

	run := procurement.CollectionRun{
		Trigger:       e.trigger,
		TotalScanned:  snap.Scanned,
		TotalRelevant: snap.Relevant,
		Created:       snap.Created,
		Rejected:      snap.Rejected,
		RegionErrors:  snap.RegionErrors,
		Status:        status,
		StartedAt:     e.startedAt,
		FinishedAt:    &finished,
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	saved, err := c.deps.Store.AppendRun(persistCtx, run)
	if err != nil {
		e.logger.Error("record collection run", zap.Error(err))
		saved = run
		if runErr == nil {
			runErr = fmt.Errorf("record collection run: %w", err)
		}
	}
	c.notify(persistCtx, e, saved)

	if e.locked {
		if err := c.deps.Locker.Unlock(persistCtx, e.id); err != nil {
			e.logger.Warn("release run lock", zap.Error(err))
		}
	}

	evt := progress.Event{
		Stage:    progress.StageRunDone,
		Records:  int64(saved.TotalScanned),
		Relevant: int64(saved.TotalRelevant),
		Dur:      finished.Sub(e.startedAt),
	}
	fields := []zap.Field{
		zap.Int64("id", saved.ID),
		zap.Int("scanned", saved.TotalScanned),
		zap.Int("relevant", saved.TotalRelevant),
		zap.Int("created", saved.Created),
		zap.Int("rejected", saved.Rejected),
		zap.Int("region_errors", saved.RegionErrors),
		zap.Int("store_errors", snap.StoreErrors),
		zap.Duration("duration", evt.Dur),
	}
	if saved.Status != procurement.RunSuccess {
		evt.Stage = progress.StageRunError
		if saved.Error != nil {
			evt.Note = *saved.Error
		}
		e.logger.Error("collection failed", append(fields, zap.Error(runErr))...)
	} else {
		e.logger.Info("collection finished", fields...)
	}
	c.emit(e, evt)
	return saved, runErr
}

func (c *Collector) notify(ctx context.Context, e *execution, run procurement.CollectionRun) {
	if c.deps.Publisher == nil {
		return
	}
	notice := RunNotice{RunID: e.id, Run: run}
	if c.settings.RunsTopic != "" {
		if _, err := c.deps.Publisher.Publish(ctx, c.settings.RunsTopic, notice); err != nil {
			e.logger.Warn("publish run notice", zap.Error(err))
		}
	}
	if run.Status != procurement.RunSuccess && c.settings.AlertsTopic != "" {
		notice.Alert = true
		if _, err := c.deps.Publisher.Publish(ctx, c.settings.AlertsTopic, notice); err != nil {
			e.logger.Warn("publish run alert", zap.Error(err))
		}
	}
}

func (c *Collector) emit(e *execution, evt progress.Event) {
	evt.RunID = e.eventID
	evt.TS = c.deps.Clock.Now().UTC()
	c.deps.Events.Emit(evt)
}

func regionLabel(region string) string {
	if region == crawler.AllRegions {
		return allRegionsLabel
	}
	return region
}
