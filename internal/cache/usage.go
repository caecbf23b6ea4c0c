package cache

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// CategoryUsage is the usage of one document category.
type CategoryUsage struct {
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Usage is a disk usage report. Entries that expired but were not purged yet
// still occupy disk and are counted.
type Usage struct {
	Entries    int64                    `json:"entries"`
	Bytes      int64                    `json:"bytes"`
	ByCategory map[string]CategoryUsage `json:"by_category"`
}

// UsageReport is delivered by DiskUsage.
type UsageReport struct {
	Usage Usage
	Err   error
}

// Usage implements Maintainer. It reads the index only; no body is loaded.
func (s *DiskStore) Usage(ctx context.Context) (Usage, error) {
	if s.closed.Load() {
		return Usage{}, ErrClosed
	}
	totals, err := s.index.totals(ctx)
	if err != nil {
		return Usage{}, storageErr("read usage", err)
	}

	u := Usage{ByCategory: make(map[string]CategoryUsage, len(categoryNames))}
	for _, name := range categoryNames {
		u.ByCategory[name] = CategoryUsage{}
	}
	for cat, t := range totals {
		u.Entries += t.Entries
		u.Bytes += t.Bytes
		name := cat.String()
		prev := u.ByCategory[name]
		u.ByCategory[name] = CategoryUsage{Entries: prev.Entries + t.Entries, Bytes: prev.Bytes + t.Bytes}
	}
	return u, nil
}

// DiskUsage implements Maintainer. The returned channel receives exactly one
// report and is then closed; the caller is never blocked.
func (s *DiskStore) DiskUsage(ctx context.Context) <-chan UsageReport {
	ch := make(chan UsageReport, 1)
	go func() {
		defer close(ch)
		u, err := s.Usage(ctx)
		ch <- UsageReport{Usage: u, Err: err}
	}()
	return ch
}

// ReconcileResult compares the running counters with a full index rescan.
type ReconcileResult struct {
	CountedBytes   int64 `json:"counted_bytes"`
	ActualBytes    int64 `json:"actual_bytes"`
	CountedEntries int64 `json:"counted_entries"`
	ActualEntries  int64 `json:"actual_entries"`
}

// Drifted reports whether the counters disagreed with the index.
func (r ReconcileResult) Drifted() bool {
	return r.CountedBytes != r.ActualBytes || r.CountedEntries != r.ActualEntries
}

// Reconcile rescans the index and resets the aggregate counters to the true sums.
// It briefly takes every stripe lock, so it is meant for maintenance and tests.
func (s *DiskStore) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if s.closed.Load() {
		return ReconcileResult{}, ErrClosed
	}

	for i := range s.locks.stripes {
		s.locks.stripes[i].Lock()
	}
	defer func() {
		for i := range s.locks.stripes {
			s.locks.stripes[i].Unlock()
		}
	}()

	totals, err := s.index.totals(ctx)
	if err != nil {
		return ReconcileResult{}, storageErr("read usage", err)
	}

	res := ReconcileResult{CountedBytes: s.size.Load(), CountedEntries: s.count.Load()}
	for _, t := range totals {
		res.ActualBytes += t.Bytes
		res.ActualEntries += t.Entries
	}
	if res.Drifted() {
		logrus.Warnf("Cache counters drifted: counted %d bytes/%d entries, actual %d bytes/%d entries",
			res.CountedBytes, res.CountedEntries, res.ActualBytes, res.ActualEntries)
		s.size.Store(res.ActualBytes)
		s.count.Store(res.ActualEntries)
	}
	return res, nil
}

// String renders the report for logs and the CLI.
func (u Usage) String() string {
	return fmt.Sprintf("%d entries, %d bytes", u.Entries, u.Bytes)
}
