package cache

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TrimResult summarizes a trim or clear pass.
type TrimResult struct {
	Removed    int   `json:"removed"`
	FreedBytes int64 `json:"freed_bytes"`
}

// scan describes a batched walk over the index. runScan removes candidates until
// done reports true or the index is exhausted, holding only the candidate's stripe
// lock while it is removed, so lookups of other entries are never blocked.
type scan struct {
	order  scanOrder
	before time.Time
	reason string
	op     string
}

func (s *DiskStore) runScan(ctx context.Context, sc scan, done func() bool, keep func(candidate, *indexRow) bool) (TrimResult, error) {
	var (
		res      TrimResult
		partial  = &PartialError{Op: sc.op}
		afterKey int64
		afterSeq int64
	)
	if sc.order != orderSeq {
		afterKey = math.MinInt64
	}

	for !done() {
		if err := ctx.Err(); err != nil {
			return res, errors.Join(partial.orNil(), err)
		}
		batch, err := s.index.candidates(ctx, sc.order, afterKey, afterSeq, sc.before, s.opts.TrimBatchSize)
		if err != nil {
			return res, errors.Join(partial.orNil(), storageErr("list trim candidates", err))
		}
		if len(batch) == 0 {
			break
		}

		for _, c := range batch {
			if done() {
				break
			}
			afterKey, afterSeq = c.key, c.seq

			var check func(*indexRow) bool
			if keep != nil {
				check = func(r *indexRow) bool { return keep(c, r) }
			}
			removed, freed, err := s.remove(ctx, c.id, check)
			if err != nil {
				logrus.Warnf("%s: failed to remove %s: %v", sc.op, c.id.Short(), err)
				partial.add(c.id, err)
				continue
			}
			if removed {
				res.Removed++
				res.FreedBytes += freed
				s.metrics.evictions.WithLabelValues(sc.reason).Inc()
				logrus.Debugf("%s: evicted %s (%d bytes)", sc.op, c.id.Short(), freed)
			}
		}
	}
	return res, partial.orNil()
}

// TrimToSize implements Maintainer. Entries are removed in eviction-policy order
// until the aggregate size is at most target, or no entries remain.
func (s *DiskStore) TrimToSize(ctx context.Context, target int64) (TrimResult, error) {
	if s.closed.Load() {
		return TrimResult{}, ErrClosed
	}
	if target < 0 {
		target = 0
	}

	ctx, span := tracer.Start(ctx, "cache.TrimToSize", trace.WithAttributes(
		attribute.Int64("cache.target", target),
		attribute.String("cache.eviction", string(s.opts.Eviction)),
	))
	defer span.End()

	// Reads recorded since the last flush must count for LRU order.
	if err := s.access.flush(ctx); err != nil {
		logrus.Warnf("Failed to record cache accesses before trim: %v", err)
	}

	order := orderAccessed
	if s.opts.Eviction == EvictionFIFO {
		order = orderStored
	}

	res, err := s.runScan(ctx,
		scan{order: order, reason: "size", op: "trim to size"},
		func() bool { return s.size.Load() <= target },
		// Skip entries re-stored since they were listed.
		func(c candidate, r *indexRow) bool { return r.seq == c.seq },
	)
	if err != nil {
		s.fail(span, err)
	}
	logrus.Infof("Trimmed cache to %d bytes: removed %d entries, freed %d bytes (now %d bytes)",
		target, res.Removed, res.FreedBytes, s.Size())
	return res, err
}

// TrimToDate implements Maintainer.
func (s *DiskStore) TrimToDate(ctx context.Context, cutoff time.Time) (TrimResult, error) {
	if s.closed.Load() {
		return TrimResult{}, ErrClosed
	}
	if cutoff.IsZero() {
		return TrimResult{}, nil
	}

	ctx, span := tracer.Start(ctx, "cache.TrimToDate", trace.WithAttributes(
		attribute.String("cache.cutoff", cutoff.Format(time.RFC3339)),
	))
	defer span.End()

	res, err := s.runScan(ctx,
		scan{order: orderStored, before: cutoff, reason: "age", op: "trim to date"},
		func() bool { return false },
		func(_ candidate, r *indexRow) bool { return r.storedAt.Before(cutoff) },
	)
	if err != nil {
		s.fail(span, err)
	}
	logrus.Infof("Trimmed cache entries stored before %s: removed %d entries, freed %d bytes",
		cutoff.Format(time.RFC3339), res.Removed, res.FreedBytes)
	return res, err
}

// Clear implements Maintainer. It is best-effort: entries that cannot be removed
// are reported in a *PartialError and the rest are still removed.
func (s *DiskStore) Clear(ctx context.Context) (TrimResult, error) {
	if s.closed.Load() {
		return TrimResult{}, ErrClosed
	}

	ctx, span := tracer.Start(ctx, "cache.Clear")
	defer span.End()

	s.events.emit(Event{Kind: EventClearBegan})
	logrus.Infof("Clearing cache %s", s.root)

	res, err := s.runScan(ctx,
		scan{order: orderSeq, reason: "clear", op: "clear"},
		func() bool { return false },
		nil,
	)
	if err != nil {
		s.fail(span, err)
	} else {
		s.hot.purge()
	}

	s.events.emit(Event{Kind: EventClearFinished, Result: res, Err: err})
	logrus.Infof("Cleared cache %s: removed %d entries, freed %d bytes", s.root, res.Removed, res.FreedBytes)
	return res, err
}
