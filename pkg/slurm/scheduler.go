// Package slurm submits observations as batch jobs and reconciles their
// scheduler state with the pipeline database.
package slurm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

// ErrNoJobID is returned when sbatch output carries no job id.
var ErrNoJobID = errors.New("scheduler returned no job id")

// Scheduler is the batch system as the pipeline sees it.
type Scheduler interface {
	// Submit queues a job script and returns its job id.
	Submit(ctx context.Context, script string) (int64, error)

	// States reports the current state of each known job id. Ids the
	// scheduler no longer reports are absent from the result.
	States(ctx context.Context, ids []int64) (map[int64]obsstore.JobState, error)
}

// BreakerSettings tune the circuit breaker around state queries.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial call.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings trip after three failed polls and retry after
// five minutes.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: 5 * time.Minute}
}

// CommandScheduler drives Slurm through sbatch and sacct.
type CommandScheduler struct {
	runner  toolrun.Runner
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewCommandScheduler returns a scheduler whose state queries go through a
// circuit breaker so an unavailable slurmdbd is not hammered every cycle.
func NewCommandScheduler(runner toolrun.Runner, logger *zap.Logger, bs BreakerSettings) *CommandScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = DefaultBreakerSettings().ConsecutiveFailures
	}
	if bs.OpenTimeout <= 0 {
		bs.OpenTimeout = DefaultBreakerSettings().OpenTimeout
	}
	s := &CommandScheduler{runner: runner, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sacct",
		Timeout: bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Scheduler breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

func (s *CommandScheduler) Submit(ctx context.Context, script string) (int64, error) {
	out, err := s.runner.Run(ctx, "sbatch", "--export=ALL", script)
	if err != nil {
		return 0, fmt.Errorf("sbatch %s: %w", script, err)
	}
	return ParseJobID(out)
}

func (s *CommandScheduler) States(ctx context.Context, ids []int64) (map[int64]obsstore.JobState, error) {
	if len(ids) == 0 {
		return map[int64]obsstore.JobState{}, nil
	}
	list := make([]string, len(ids))
	for i, id := range ids {
		list[i] = strconv.FormatInt(id, 10)
	}

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.runner.Run(ctx, "sacct", "-X", "-P", "-n", "-o", "jobid,state", "-j", strings.Join(list, ","))
	})
	if err != nil {
		return nil, fmt.Errorf("sacct: %w", err)
	}
	return ParseSacct(res.(string)), nil
}

// ParseJobID extracts the id from "Submitted batch job <id>".
func ParseJobID(out string) (int64, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Submitted batch job") {
			continue
		}
		fields := strings.Fields(line)
		id, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
		if err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, ErrNoJobID
}

// ParseSacct reads "jobid|STATE" lines. Only the first word of the state is
// kept ("CANCELLED by 1000" is CANCELLED) and job steps are ignored.
func ParseSacct(out string) map[int64]obsstore.JobState {
	states := make(map[int64]obsstore.JobState)
	for _, line := range strings.Split(out, "\n") {
		idText, stateText, ok := strings.Cut(strings.TrimSpace(line), "|")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(stateText, "|", " "))
		if len(fields) == 0 {
			continue
		}
		states[id] = obsstore.JobState(fields[0])
	}
	return states
}

func sortedIDs(ids map[int64]bool) []int64 {
	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
