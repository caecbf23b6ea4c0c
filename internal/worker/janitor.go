package worker

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/urlcache/internal/cache"
)

const defaultJanitorInterval = 5 * time.Minute

// Trimmer is the store surface consumed by Janitor.
type Trimmer interface {
	TrimToSize(ctx context.Context, target int64) (cache.TrimResult, error)
	TrimToDate(ctx context.Context, cutoff time.Time) (cache.TrimResult, error)
}

// JanitorConfig bounds the store a Janitor looks after. Zero values disable a bound.
type JanitorConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
	MaxSize  int64
	Now      func() time.Time
}

// Janitor periodically trims expired-by-age entries and then enforces the size budget.
type Janitor struct {
	store Trimmer
	cfg   JanitorConfig
}

// NewJanitor creates a Janitor for store.
func NewJanitor(store Trimmer, cfg JanitorConfig) *Janitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultJanitorInterval
	}
	return &Janitor{store: store, cfg: cfg}
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// Run trims once immediately and then on every interval tick.
func (j *Janitor) Run(ctx context.Context) error {
	if j.cfg.MaxAge <= 0 && j.cfg.MaxSize <= 0 {
		logrus.Infof("Janitor has no bounds configured, idling")
		<-ctx.Done()
		return nil
	}

	j.RunOnce(ctx)
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single trim pass. Failures are logged; the next pass retries.
func (j *Janitor) RunOnce(ctx context.Context) {
	if j.cfg.MaxAge > 0 {
		cutoff := j.cfg.Now().Add(-j.cfg.MaxAge)
		res, err := j.store.TrimToDate(ctx, cutoff)
		if err != nil && ctx.Err() == nil {
			logrus.Errorf("Janitor failed to trim entries older than %s: %v", j.cfg.MaxAge, err)
		} else if res.Removed > 0 {
			logrus.Infof("Janitor removed %d entries older than %s (%s)",
				res.Removed, j.cfg.MaxAge, humanize.Bytes(uint64(res.FreedBytes)))
		}
	}

	if j.cfg.MaxSize > 0 {
		res, err := j.store.TrimToSize(ctx, j.cfg.MaxSize)
		if err != nil && ctx.Err() == nil {
			logrus.Errorf("Janitor failed to trim cache to %s: %v", humanize.Bytes(uint64(j.cfg.MaxSize)), err)
		} else if res.Removed > 0 {
			logrus.Infof("Janitor removed %d entries to fit %s (%s freed)",
				res.Removed, humanize.Bytes(uint64(j.cfg.MaxSize)), humanize.Bytes(uint64(res.FreedBytes)))
		}
	}
}
