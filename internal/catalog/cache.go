// Package catalog keeps a refreshed, single-flight snapshot of the region catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/StefanGrimminck/Haze/internal/region"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrColdStart is returned when no snapshot has ever loaded and a refresh failed.
var ErrColdStart = errors.New("region catalog unavailable")

const refreshKey = "refresh"

// Config controls snapshot freshness.
type Config struct {
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	// WaitForRefresh makes stale callers block on the shared refresh instead
	// of receiving the previous snapshot.
	WaitForRefresh bool
	Load           region.LoadOptions
}

type snapshot struct {
	catalog  *region.Catalog
	loadedAt time.Time
}

// Cache serves the most recent catalog snapshot and refreshes it on demand.
type Cache struct {
	src     Source
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics
	nowFn   func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	snap  *snapshot
}

// New creates a Cache. Nothing is fetched until the first Current or Refresh.
func New(src Source, cfg Config, log zerolog.Logger, m *Metrics) *Cache {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Cache{src: src, cfg: cfg, log: log, metrics: m, nowFn: time.Now}
}

func (c *Cache) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Current returns the freshest usable snapshot.
func (c *Cache) Current(ctx context.Context) (*region.Catalog, error) {
	snap := c.current()
	if snap == nil {
		cat, err := c.wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrColdStart, err)
		}
		return cat, nil
	}
	if c.nowFn().Sub(snap.loadedAt) < c.cfg.RefreshInterval {
		return snap.catalog, nil
	}
	if !c.cfg.WaitForRefresh {
		c.group.DoChan(refreshKey, c.refresh)
		return snap.catalog, nil
	}
	cat, err := c.wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Warn().Err(err).Time("loaded_at", snap.loadedAt).Msg("catalog refresh failed, serving stale snapshot")
		return snap.catalog, nil
	}
	return cat, nil
}

// Refresh forces a refresh and waits for it.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.wait(ctx)
	return err
}

// Ready reports whether a snapshot has loaded.
func (c *Cache) Ready() bool {
	return c.current() != nil
}

// LoadedAt returns when the current snapshot was loaded, or the zero time.
func (c *Cache) LoadedAt() time.Time {
	if snap := c.current(); snap != nil {
		return snap.loadedAt
	}
	return time.Time{}
}

// Run refreshes on every interval tick until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("periodic catalog refresh failed")
			}
		}
	}
}

func (c *Cache) wait(ctx context.Context) (*region.Catalog, error) {
	ch := c.group.DoChan(refreshKey, c.refresh)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*region.Catalog), nil
	}
}

// refresh runs detached from any caller so one cancelled request does not
// fail the fetch for every waiter.
func (c *Cache) refresh() (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()

	start := c.nowFn()
	docs, err := c.src.Fetch(ctx)
	if err != nil {
		c.metrics.IncRefresh("error")
		c.log.Error().Err(err).Msg("catalog refresh failed: fetch")
		return nil, fmt.Errorf("fetch regions: %w", err)
	}
	cat, report := region.Load(docs, c.cfg.Load)
	for _, e := range report.Quarantined {
		c.log.Warn().Err(e).Msg("region quarantined")
	}
	for _, e := range report.Intervals {
		c.log.Warn().Err(e).Msg("calibration interval skipped")
	}
	for _, o := range report.Overlaps {
		c.log.Warn().Str("overlap", o).Msg("overlapping calibration intervals")
	}
	c.metrics.AddRejected("document", len(report.Quarantined))
	c.metrics.AddRejected("interval", len(report.Intervals))
	c.metrics.AddRejected("overlap", len(report.Overlaps))
	if cat.Len() == 0 && len(docs) > 0 {
		c.metrics.IncRefresh("error")
		c.log.Error().Int("documents", len(docs)).Msg("catalog refresh failed: every region document rejected")
		return nil, fmt.Errorf("all %d region documents rejected", len(docs))
	}

	loadedAt := c.nowFn()
	c.mu.Lock()
	c.snap = &snapshot{catalog: cat, loadedAt: loadedAt}
	c.mu.Unlock()

	c.metrics.IncRefresh("ok")
	c.metrics.SetLoaded(cat.Len(), float64(loadedAt.Unix()))
	c.log.Info().Int("regions", cat.Len()).Int("intervals", cat.IntervalCount()).Dur("took", loadedAt.Sub(start)).Msg("region catalog loaded")
	return cat, nil
}
