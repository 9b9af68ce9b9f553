package reconciler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/watcher"
)

// Run watches the jobs directory and reconciles jobs on a pool of
// Concurrency goroutines until ctx is cancelled. Jobs waiting out a backoff
// are re-queued by timer and hold no goroutine.
func (r *Reconciler) Run(ctx context.Context) error {
	poller, err := r.poller()
	if err != nil {
		return err
	}
	q := newWorkQueue()
	defer q.Close()
	paths := &pathTable{paths: map[string]string{}}

	if err := r.enqueueUnfinished(q, paths); err != nil {
		r.logger().Warn("list unfinished jobs", "err", err)
	}

	events := make(chan watcher.Event, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := poller.Run(gctx, events)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case event := <-events:
				r.observe(q, paths, event)
			}
		}
	})
	for i := 0; i < r.concurrency(); i++ {
		g.Go(func() error {
			r.work(gctx, q, paths, false, nil)
			return nil
		})
	}
	r.logger().Info("reconciler running", "holder", r.Holder, "jobs_dir", poller.Dir, "concurrency", r.concurrency())
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// RunOnce reconciles every contract in the jobs directory and every
// unfinished job in the store, waiting out backoffs, and returns when each
// job is terminal or owned by another holder. Outcomes are sorted by job id.
func (r *Reconciler) RunOnce(ctx context.Context) ([]Outcome, error) {
	poller, err := r.poller()
	if err != nil {
		return nil, err
	}
	q := newWorkQueue()
	defer q.Close()
	paths := &pathTable{paths: map[string]string{}}

	events, err := poller.Scan()
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		r.observe(q, paths, event)
	}
	if err := r.enqueueUnfinished(q, paths); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = map[string]Outcome{}
		errs    []error
	)
	record := func(outcome Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		results[outcome.JobID] = outcome
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", outcome.JobID, err))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < r.concurrency(); i++ {
		g.Go(func() error {
			r.work(gctx, q, paths, true, record)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-q.Idle():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return sortedOutcomes(results), err
	}
	return sortedOutcomes(results), errors.Join(errs...)
}

func (r *Reconciler) work(ctx context.Context, q *workQueue, paths *pathTable, once bool, record func(Outcome, error)) {
	for {
		jobID, ok := q.Get(ctx)
		if !ok {
			return
		}
		outcome, err := r.Reconcile(ctx, jobID, paths.get(jobID, r.contractPath(jobID)))
		if outcome.JobID == "" {
			outcome.JobID = jobID
		}
		if ctx.Err() == nil {
			r.schedule(q, outcome, err, once)
		}
		if record != nil && (ctx.Err() == nil || err == nil) {
			record(outcome, err)
		}
		q.Done(jobID)
	}
}

// schedule decides when a job that did not finish is looked at again.
func (r *Reconciler) schedule(q *workQueue, outcome Outcome, err error, once bool) {
	logger := r.logger().With("job_id", outcome.JobID)
	switch {
	case errors.Is(err, contract.ErrInvalidJobID):
		logger.Warn("dropping job that can never be reconciled", "err", err)
	case err != nil:
		logger.Error("reconcile failed", "err", err)
		if !once {
			q.AddAfter(outcome.JobID, r.retryDelay())
		}
	case !outcome.RetryAt.IsZero():
		q.AddAfter(outcome.JobID, time.Until(outcome.RetryAt))
	case outcome.LeaseHeld:
		if !once {
			q.AddAfter(outcome.JobID, r.LeaseTTL)
		}
	case !outcome.Terminal() && !outcome.Skipped:
		if !once {
			q.AddAfter(outcome.JobID, r.retryDelay())
		}
	}
}

func (r *Reconciler) observe(q *workQueue, paths *pathTable, event watcher.Event) {
	logger := r.logger().With("job_id", event.JobID)
	switch event.Kind {
	case watcher.Discovered, watcher.Changed:
		logger.Debug("contract observed", "kind", event.Kind, "path", event.Path, "hash", event.Hash)
		paths.set(event.JobID, event.Path)
		q.Add(event.JobID)
	case watcher.Removed:
		logger.Info("contract removed; job state is kept", "path", event.Path)
	}
}

// enqueueUnfinished queues every non-terminal job in the store so attempts
// interrupted by a crash are recovered even if their contract is gone.
func (r *Reconciler) enqueueUnfinished(q *workQueue, paths *pathTable) error {
	jobs, err := r.Store.List()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.State.Terminal() {
			continue
		}
		if job.ContractPath != "" {
			paths.setIfAbsent(job.JobID, job.ContractPath)
		}
		q.Add(job.JobID)
	}
	return nil
}

func (r *Reconciler) poller() (*watcher.Poller, error) {
	if r.Watcher != nil {
		return r.Watcher, nil
	}
	if r.JobsDir == "" {
		return nil, fmt.Errorf("jobs dir is required")
	}
	r.Watcher = watcher.New(r.JobsDir, r.PollInterval, r.Logger)
	return r.Watcher, nil
}

func (r *Reconciler) contractPath(jobID string) string {
	dir := r.JobsDir
	if dir == "" && r.Watcher != nil {
		dir = r.Watcher.Dir
	}
	return filepath.Join(dir, jobID+".json")
}

func (r *Reconciler) concurrency() int {
	if r.Concurrency < 1 {
		return 1
	}
	return r.Concurrency
}

func (r *Reconciler) retryDelay() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return time.Second
}

func sortedOutcomes(results map[string]Outcome) []Outcome {
	out := make([]Outcome, 0, len(results))
	for _, outcome := range results {
		out = append(out, outcome)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

type pathTable struct {
	mu    sync.Mutex
	paths map[string]string
}

func (p *pathTable) get(jobID, fallback string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if path, ok := p.paths[jobID]; ok {
		return path
	}
	return fallback
}

func (p *pathTable) set(jobID, path string) {
	p.mu.Lock()
	p.paths[jobID] = path
	p.mu.Unlock()
}

func (p *pathTable) setIfAbsent(jobID, path string) {
	p.mu.Lock()
	if _, ok := p.paths[jobID]; !ok {
		p.paths[jobID] = path
	}
	p.mu.Unlock()
}
