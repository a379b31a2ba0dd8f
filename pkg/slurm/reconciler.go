package slurm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/psrpype/pkg/obsstore"
)

// DefaultPollInterval is the wait between scheduler polls.
const DefaultPollInterval = 120 * time.Second

// Reconciler keeps stored job states in line with the scheduler.
type Reconciler struct {
	Store     *obsstore.Store
	Scheduler Scheduler
	Interval  time.Duration
	Logger    *zap.Logger
}

type pollResult struct {
	states map[int64]obsstore.JobState
	err    error
}

func (r *Reconciler) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Reconciler) interval() time.Duration {
	if r.Interval <= 0 {
		return DefaultPollInterval
	}
	return r.Interval
}

// Run polls until every job in ids is terminal or ctx is done. Empty ids
// means every active job in the store. A poller goroutine queries the
// scheduler; the committing goroutine owns the active set and the store
// writes, so a cancelled run never leaves a half-applied cycle.
func (r *Reconciler) Run(ctx context.Context, ids []int64) error {
	known, active, err := r.load(ctx, ids)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		r.logger().Info("No jobs to check")
		return nil
	}
	r.logger().Info("Watching jobs", zap.Int("active", len(active)), zap.Duration("interval", r.interval()))

	requests := make(chan []int64)
	results := make(chan pollResult)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for batch := range requests {
			states, err := r.Scheduler.States(gctx, batch)
			select {
			case results <- pollResult{states: states, err: err}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(requests)

		for {
			select {
			case requests <- sortedIDs(active):
			case <-gctx.Done():
				return gctx.Err()
			}

			var res pollResult
			select {
			case res = <-results:
			case <-gctx.Done():
				return gctx.Err()
			}

			if res.err != nil {
				r.logger().Warn("Could not poll scheduler", zap.Error(res.err))
			} else if err := r.apply(gctx, res.states, known, active); err != nil {
				return err
			}

			if len(active) == 0 {
				r.logger().Info("All jobs finished")
				return nil
			}

			r.logger().Debug("Waiting for next poll", zap.Int("active", len(active)), zap.Duration("interval", r.interval()))
			timer := time.NewTimer(r.interval())
			select {
			case <-timer.C:
			case <-gctx.Done():
				timer.Stop()
				return gctx.Err()
			}
		}
	})

	return g.Wait()
}

// Once runs a single poll over every active job in the store and returns
// the changes it recorded.
func (r *Reconciler) Once(ctx context.Context) (map[int64]obsstore.JobState, error) {
	known, active, err := r.load(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return map[int64]obsstore.JobState{}, nil
	}
	states, err := r.Scheduler.States(ctx, sortedIDs(active))
	if err != nil {
		return nil, err
	}
	before := make(map[int64]obsstore.JobState, len(known))
	for id, s := range known {
		before[id] = s
	}
	if err := r.apply(ctx, states, known, active); err != nil {
		return nil, err
	}
	changes := make(map[int64]obsstore.JobState)
	for id, s := range known {
		if before[id] != s {
			changes[id] = s
		}
	}
	return changes, nil
}

// load returns the stored state of every job and the active subset of ids.
func (r *Reconciler) load(ctx context.Context, ids []int64) (map[int64]obsstore.JobState, map[int64]bool, error) {
	jobs, err := r.Store.ListSlurmJobs(ctx)
	if err != nil {
		return nil, nil, err
	}
	known := make(map[int64]obsstore.JobState, len(jobs))
	for _, j := range jobs {
		known[j.ID] = j.State
	}

	active := make(map[int64]bool)
	if len(ids) == 0 {
		for id, s := range known {
			if !s.IsTerminal() {
				active[id] = true
			}
		}
		return known, active, nil
	}
	for _, id := range ids {
		s, ok := known[id]
		switch {
		case !ok:
			r.logger().Warn("Job is not recorded, ignoring", zap.Int64("job_id", id))
		case s.IsTerminal():
			r.logger().Info("Job already finished", zap.Int64("job_id", id), zap.String("state", string(s)))
		default:
			active[id] = true
		}
	}
	return known, active, nil
}

// apply records changed states, reports failures and drops terminal jobs
// from the active set.
func (r *Reconciler) apply(ctx context.Context, states map[int64]obsstore.JobState, known map[int64]obsstore.JobState, active map[int64]bool) error {
	changes := make(map[int64]obsstore.JobState)
	for _, id := range sortedIDs(active) {
		state, ok := states[id]
		if !ok {
			r.logger().Warn("Scheduler did not report job", zap.Int64("job_id", id))
			continue
		}
		if state != known[id] {
			r.logger().Debug("Job state changed",
				zap.Int64("job_id", id),
				zap.String("from", string(known[id])),
				zap.String("to", string(state)))
			changes[id] = state
		}
	}
	if len(changes) > 0 {
		if err := r.Store.SetJobStates(ctx, changes); err != nil {
			return fmt.Errorf("record job states: %w", err)
		}
	}

	for id, state := range changes {
		known[id] = state
		if state.IsTerminal() && state != obsstore.JobCompleted {
			r.logger().Error("Job failed",
				zap.Int64("job_id", id),
				zap.String("state", string(state)),
				zap.Bool("retry_eligible", state.RetryEligible()))
		}
	}
	for id := range active {
		if known[id].IsTerminal() {
			delete(active, id)
		}
	}
	return nil
}
