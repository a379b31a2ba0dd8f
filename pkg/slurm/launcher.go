package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
)

// DefaultSubmitInterval spaces submissions to the scheduler.
const DefaultSubmitInterval = 2 * time.Second

// memoryPerGB is the memory requested per GB of the largest chunk.
const memoryPerGB = 20

// Resources are the per-job requests.
type Resources struct {
	Memory   string
	WallTime string
}

// ResourcesFor sizes a job from the observation's largest chunk. A previous
// job that ran out of memory doubles the request.
func ResourcesFor(o *obsstore.Observation, previous *obsstore.SlurmJob) Resources {
	gb := float64(o.LargestChunkSize()) / 1e9

	mem := int64(math.Round(gb * memoryPerGB))
	if mem < 1 {
		mem = 1
	}
	if previous != nil && previous.State == obsstore.JobOutOfMemory {
		mem *= 2
	}

	wall := "24:00:00"
	switch {
	case gb < 5:
		wall = "4:00:00"
	case gb < 10:
		wall = "8:00:00"
	}
	return Resources{Memory: fmt.Sprintf("%dg", mem), WallTime: wall}
}

// ScriptData feeds the job script template.
type ScriptData struct {
	Name      string
	LogDir    string
	MailUser  string
	MailType  string
	Partition string
	Account   string
	Memory    string
	WallTime  string
	BashSetup string
	Command   string
}

// CommandFunc builds the shell command a job runs for an observation.
type CommandFunc func(o *obsstore.Observation) string

// ProcessCommand returns a CommandFunc running `<exe> process` for exactly
// the observation's UTC and frequency.
func ProcessCommand(exe, configPath string) CommandFunc {
	return func(o *obsstore.Observation) string {
		return fmt.Sprintf("%s process --config %s --obs-utcs %s --frequencies %s",
			exe, configPath, o.StartUTC, obsstore.FormatFreq(o.CFreq))
	}
}

// ErrJobUnrecorded marks a job the scheduler accepted but the store could
// not record. The job runs, but later launches cannot see it.
var ErrJobUnrecorded = errors.New("submitted job not recorded")

// JobRecorder is the part of the store the launcher needs.
type JobRecorder interface {
	Add(ctx context.Context, rec obsstore.Record) error
	CountActiveJobs(ctx context.Context) (int, error)
}

// Launcher renders, writes and submits job scripts.
type Launcher struct {
	Config    *pipeconfig.Config
	Store     JobRecorder
	Scheduler Scheduler
	Command   CommandFunc
	Logger    *zap.Logger

	limiter *rate.Limiter
	tmpl    *template.Template
}

// NewLauncher parses jobTemplate, a text/template over ScriptData, and
// limits submissions to one per interval. A zero interval uses
// DefaultSubmitInterval.
func NewLauncher(cfg *pipeconfig.Config, store JobRecorder, sched Scheduler, jobTemplate string, cmd CommandFunc, logger *zap.Logger, interval time.Duration) (*Launcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultSubmitInterval
	}
	tmpl, err := template.New("slurm_job").Parse(jobTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse job template: %w", err)
	}
	return &Launcher{
		Config:    cfg,
		Store:     store,
		Scheduler: sched,
		Command:   cmd,
		Logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		tmpl:      tmpl,
	}, nil
}

// JobName is <source>_<utc>.
func JobName(o *obsstore.Observation) string {
	return o.Source + "_" + o.StartUTC
}

// Render produces the job script for an observation.
func (l *Launcher) Render(o *obsstore.Observation, res Resources, logDir string) (string, error) {
	data := ScriptData{
		Name:      JobName(o),
		LogDir:    logDir,
		MailUser:  l.Config.MailUser,
		MailType:  l.Config.MailType,
		Partition: l.Config.Partition,
		Account:   l.Config.SlurmAccount,
		Memory:    res.Memory,
		WallTime:  res.WallTime,
		BashSetup: l.Config.SlurmBashHeader,
		Command:   l.Command(o),
	}
	var buf bytes.Buffer
	if err := l.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render job script: %w", err)
	}
	return buf.String(), nil
}

// Launch writes the observation's script to its output directory, submits
// it and records the new job on the observation. A job returned with an
// error was submitted but could not be recorded.
func (l *Launcher) Launch(ctx context.Context, o *obsstore.Observation) (*obsstore.SlurmJob, error) {
	log := l.Logger.With(zap.String("source", o.Source), zap.String("utc", o.StartUTC))

	dir, err := o.OutputPath(l.Config.Root, "")
	if err != nil {
		return nil, err
	}
	res := ResourcesFor(o, o.Job)
	script, err := l.Render(o, res, dir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, JobName(o)+".bash")
	// #nosec G306 -- scripts are executed by the scheduler under the same account
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		return nil, fmt.Errorf("write job script: %w", err)
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	id, err := l.Scheduler.Submit(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNoJobID) {
			log.Error("Job did not launch properly",
				zap.String("severity", "fatal"),
				zap.String("script", path))
		}
		return nil, err
	}

	job := &obsstore.SlurmJob{ID: id, State: obsstore.JobQueued, Description: JobName(o)}
	o.Job = job
	if err := l.record(ctx, log, o, path); err != nil {
		return job, err
	}
	log.Info("Submitted job",
		zap.Int64("job_id", id),
		zap.String("memory", res.Memory),
		zap.String("wall_time", res.WallTime),
		zap.String("largest_chunk", humanize.Bytes(uint64(o.LargestChunkSize()))))
	return job, nil
}

// record stores the observation's new job, retrying the write once. When
// both writes fail the job is returned by Launch together with
// ErrJobUnrecorded.
func (l *Launcher) record(ctx context.Context, log *zap.Logger, o *obsstore.Observation, script string) error {
	err := l.Store.Add(ctx, o)
	if err == nil {
		return nil
	}
	log.Warn("Recording job failed, retrying", zap.Int64("job_id", o.Job.ID), zap.Error(err))
	if err = l.Store.Add(ctx, o); err == nil {
		return nil
	}
	log.Error("Job submitted but not recorded",
		zap.String("severity", "fatal"),
		zap.Int64("job_id", o.Job.ID),
		zap.String("script", script),
		zap.Error(err))
	return fmt.Errorf("%w: job %d: %w", ErrJobUnrecorded, o.Job.ID, err)
}

// LaunchOptions control a batch submission.
type LaunchOptions struct {
	// ResubmitFailed allows observations whose last job ended without
	// processing them to be submitted again.
	ResubmitFailed bool
}

// LaunchResult counts what LaunchAll did.
type LaunchResult struct {
	Submitted []int64
	// Unrecorded jobs were accepted by the scheduler but are missing from
	// the store. They are also counted in Failed.
	Unrecorded []int64
	Skipped    int
	Failed     int
	Capped     int
}

// SkipReason explains why an observation is not submitted, or "".
func SkipReason(o *obsstore.Observation, opts LaunchOptions) string {
	if o.Processed {
		return "already processed"
	}
	if o.Job == nil {
		return ""
	}
	switch {
	case o.Job.State.IsActive():
		return fmt.Sprintf("job %d still %s", o.Job.ID, strings.ToLower(string(o.Job.State)))
	case !opts.ResubmitFailed:
		return fmt.Sprintf("previous job %d ended %s, use --resubmit-failed", o.Job.ID, o.Job.State)
	}
	return ""
}

// LaunchAll submits each eligible observation while the number of active
// jobs stays under N_SIMULTANEOUS_JOBS. Per-observation submission failures
// are logged and counted.
func (l *Launcher) LaunchAll(ctx context.Context, observations []*obsstore.Observation, opts LaunchOptions) (*LaunchResult, error) {
	active, err := l.Store.CountActiveJobs(ctx)
	if err != nil {
		return nil, err
	}
	limit := l.Config.NSimultaneousJobs
	if limit <= 0 {
		limit = pipeconfig.DefaultNSimultaneousJobs
	}

	res := &LaunchResult{}
	for i, o := range observations {
		if reason := SkipReason(o, opts); reason != "" {
			l.Logger.Info("Not submitting",
				zap.String("source", o.Source),
				zap.String("utc", o.StartUTC),
				zap.String("reason", reason))
			res.Skipped++
			continue
		}
		if active >= limit {
			res.Capped = len(observations) - i
			l.Logger.Warn("Simultaneous job limit reached",
				zap.Int("limit", limit),
				zap.Int("remaining", res.Capped))
			break
		}

		job, err := l.Launch(ctx, o)
		if err != nil {
			if job != nil {
				res.Unrecorded = append(res.Unrecorded, job.ID)
				active++
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			l.Logger.Error("Submission failed",
				zap.String("source", o.Source),
				zap.String("utc", o.StartUTC),
				zap.Error(err))
			res.Failed++
			continue
		}
		res.Submitted = append(res.Submitted, job.ID)
		active++
	}
	l.Logger.Info("All jobs submitted",
		zap.Int("submitted", len(res.Submitted)),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}
