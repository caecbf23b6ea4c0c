package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Runner manages a set of workers, cancelling all on first error.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner with the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts all workers in parallel. It blocks until all workers finish.
// If any worker returns a non-nil error, the context is cancelled and
// the first error is returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		name := workerName(w)
		logrus.Infof("Worker %s started", name)
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			logrus.Debugf("Worker %s stopped", name)
			return nil
		})
	}
	return g.Wait()
}

func workerName(w Worker) string {
	if n, ok := w.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", w)
}
