package obsstore

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// FluxCalibratorSources lists the sources treated as flux calibrators
// regardless of the observation type recorded in the archive header.
var FluxCalibratorSources = []string{
	"0407-658_N", "0407-658_O", "0407-658_S",
	"0823-500_NS", "0823-500_SN",
	"1934-638_N", "1934-638_O", "1934-638_S",
	"B0407-658_N", "B0407-658_O", "B0407-658_S",
	"HYDRA_N", "HYDRA_O", "HYDRA_S",
	"HydraA_N", "HydraA_O", "HydraA_S",
}

// Observation types as written by the backends.
const (
	TypePolnCal    = "PolnCal"
	TypeFluxCalOn  = "FluxCal-On"
	TypeFluxCalOff = "FluxCal-Off"
	TypePulsar     = "Pulsar"
)

// Output directory categories under the pipeline root.
const (
	FluxCalDir   = "flux_cal"
	PolnCalDir   = "poln_cal"
	PulsarDir    = "pulsar"
	TemplateDir  = "templates"
	EphemerisDir = "ephemeris"
	ScratchDir   = "scratch"
	RawDir       = "raw"
	SolutionsDir = "solutions"
)

// PipelineDirs are created under the root by `psrpype init`.
var PipelineDirs = []string{TemplateDir, EphemerisDir, FluxCalDir, PolnCalDir, PulsarDir, ScratchDir, RawDir}

// Stage names double as output sub-directory names.
type Stage string

const (
	StageRaw          Stage = "raw"
	StagePreprocessed Stage = "preprocessed"
	StageCleaned      Stage = "cleaned"
	StageCalibrated   Stage = "calibrated"
	StageRecleaned    Stage = "recleaned"
	StageDecimated    Stage = "decimated"
)

// ErrStageOrder is returned when a chunk records a later stage output
// without the earlier one it depends on.
var ErrStageOrder = errors.New("stage outputs out of order")

func isFluxCal(source string) bool {
	return slices.Contains(FluxCalibratorSources, source)
}

func isPolnCal(source, obsType string) bool {
	return !isFluxCal(source) && obsType == TypePolnCal
}

func isPulsar(obsType string) bool {
	return obsType == TypePulsar
}

func categoryDir(source, obsType string) string {
	switch {
	case isFluxCal(source):
		return FluxCalDir
	case isPolnCal(source, obsType):
		return PolnCalDir
	default:
		return PulsarDir
	}
}

// Collection groups the chunks ingested from one source directory.
type Collection struct {
	ID          int64  `json:"id" yaml:"id"`
	Name        string `json:"collection_name" yaml:"collection_name"`
	Path        string `json:"collection_path" yaml:"collection_path"`
	PID         string `json:"pid" yaml:"pid"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	NameAlias   string `json:"name_alias,omitempty" yaml:"name_alias,omitempty"`
}

// DirName is the collection component of output paths. An empty alias is
// stored as NULL, so it counts as no alias.
func (c *Collection) DirName() string {
	if c.NameAlias != "" {
		return c.Name + "_" + c.NameAlias
	}
	return c.Name
}

// JobState is the scheduler-reported state of a batch job. Unknown
// scheduler states are stored verbatim.
type JobState string

const (
	JobQueued      JobState = "QUEUED"
	JobPending     JobState = "PENDING"
	JobRunning     JobState = "RUNNING"
	JobCompleted   JobState = "COMPLETED"
	JobFailed      JobState = "FAILED"
	JobOutOfMemory JobState = "OUT_OF_MEMORY"
	JobCancelled   JobState = "CANCELLED"
	JobTimeout     JobState = "TIMEOUT"
	JobNodeFail    JobState = "NODE_FAIL"
	JobBootFail    JobState = "BOOT_FAIL"
	JobDeadline    JobState = "DEADLINE"
	JobPreempted   JobState = "PREEMPTED"
)

// IsTerminal reports whether the scheduler will never change the state again.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobOutOfMemory, JobCancelled, JobTimeout,
		JobNodeFail, JobBootFail, JobDeadline, JobPreempted:
		return true
	}
	return false
}

// IsActive reports whether the job still counts against the submission cap.
func (s JobState) IsActive() bool {
	return s != "" && !s.IsTerminal()
}

// RetryEligible reports whether a job that ended in this state may be
// resubmitted without changes to its inputs.
func (s JobState) RetryEligible() bool {
	switch s {
	case JobOutOfMemory, JobTimeout, JobNodeFail, JobPreempted, JobBootFail:
		return true
	}
	return false
}

// SlurmJob is one submission to the batch scheduler.
type SlurmJob struct {
	ID          int64     `json:"id" yaml:"id"`
	State       JobState  `json:"state" yaml:"state"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	SubmittedAt time.Time `json:"submitted_at" yaml:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// Observation groups the chunks sharing source, start UTC and centre frequency.
type Observation struct {
	ID           int64   `json:"id" yaml:"id"`
	SlurmID      *int64  `json:"slurm_id,omitempty" yaml:"slurm_id,omitempty"`
	StartUTC     string  `json:"obs_start_utc" yaml:"obs_start_utc"`
	ObsType      string  `json:"obs_type" yaml:"obs_type"`
	NChan        int     `json:"nchan" yaml:"nchan"`
	NSubint      int     `json:"nsubint" yaml:"nsubint"`
	NBin         int     `json:"nbin" yaml:"nbin"`
	NPol         int     `json:"npol" yaml:"npol"`
	CFreq        float64 `json:"cfreq" yaml:"cfreq"`
	BW           float64 `json:"bw" yaml:"bw"`
	Source       string  `json:"source" yaml:"source"`
	Backend      string  `json:"backend" yaml:"backend"`
	Telescope    string  `json:"telescope" yaml:"telescope"`
	PsraddedFile string  `json:"psradded_file,omitempty" yaml:"psradded_file,omitempty"`
	Decimated    bool    `json:"decimated" yaml:"decimated"`
	Processed    bool    `json:"processed" yaml:"processed"`

	Chunks []*ObservationChunk `json:"chunks,omitempty" yaml:"chunks,omitempty"`
	Job    *SlurmJob           `json:"slurm_job,omitempty" yaml:"slurm_job,omitempty"`
}

// NewObservation derives an observation from the header of its first chunk.
func NewObservation(chunks ...*ObservationChunk) (*Observation, error) {
	if len(chunks) == 0 {
		return nil, errors.New("observation requires at least one chunk")
	}
	first := chunks[0]
	obs := &Observation{
		StartUTC:  first.StartUTC,
		ObsType:   first.ObsType,
		NChan:     first.NChan,
		NSubint:   first.NSubint,
		NBin:      first.NBin,
		NPol:      first.NPol,
		CFreq:     first.CFreq,
		BW:        first.BW,
		Source:    first.Source,
		Backend:   first.Backend,
		Telescope: first.Telescope,
	}
	for _, c := range chunks {
		obs.Attach(c)
	}
	return obs, nil
}

// Attach links a chunk to the observation.
func (o *Observation) Attach(c *ObservationChunk) {
	c.Observation = o
	if o.ID != 0 {
		c.ObservationID = o.ID
	}
	for _, existing := range o.Chunks {
		if existing == c {
			return
		}
	}
	o.Chunks = append(o.Chunks, c)
}

func (o *Observation) IsFluxCal() bool { return isFluxCal(o.Source) }
func (o *Observation) IsPolnCal() bool { return isPolnCal(o.Source, o.ObsType) }
func (o *Observation) IsPulsar() bool  { return isPulsar(o.ObsType) }

// Stage reports the least advanced stage across chunks, or decimated.
func (o *Observation) Stage() Stage {
	if o.Decimated {
		return StageDecimated
	}
	if len(o.Chunks) == 0 {
		return StageRaw
	}
	order := map[Stage]int{StageRaw: 0, StagePreprocessed: 1, StageCleaned: 2, StageCalibrated: 3, StageRecleaned: 4}
	least := StageRecleaned
	for _, c := range o.Chunks {
		if s := c.Stage(); order[s] < order[least] {
			least = s
		}
	}
	return least
}

// TotalSize sums the chunk sizes in bytes.
func (o *Observation) TotalSize() int64 {
	var total int64
	for _, c := range o.Chunks {
		total += c.FileSize
	}
	return total
}

// LargestChunkSize is the biggest chunk size in bytes.
func (o *Observation) LargestChunkSize() int64 {
	var largest int64
	for _, c := range o.Chunks {
		if c.FileSize > largest {
			largest = c.FileSize
		}
	}
	return largest
}

// ObservationChunk is one raw archive file and the outputs derived from it.
type ObservationChunk struct {
	ID            int64   `json:"id" yaml:"id"`
	CollectionID  int64   `json:"collection_id" yaml:"collection_id"`
	ObservationID int64   `json:"observation_id" yaml:"observation_id"`
	NChan         int     `json:"nchan" yaml:"nchan"`
	NSubint       int     `json:"nsubint" yaml:"nsubint"`
	NBin          int     `json:"nbin" yaml:"nbin"`
	NPol          int     `json:"npol" yaml:"npol"`
	CFreq         float64 `json:"cfreq" yaml:"cfreq"`
	BW            float64 `json:"bw" yaml:"bw"`
	FileSize      int64   `json:"file_size" yaml:"file_size"`
	Source        string  `json:"source" yaml:"source"`
	Backend       string  `json:"backend" yaml:"backend"`
	Telescope     string  `json:"telescope" yaml:"telescope"`
	StartMJD      float64 `json:"start_mjd" yaml:"start_mjd"`
	EndMJD        float64 `json:"end_mjd" yaml:"end_mjd"`
	StartUTC      string  `json:"obs_start_utc" yaml:"obs_start_utc"`
	ObsType       string  `json:"obs_type" yaml:"obs_type"`
	OriginalFile  string  `json:"original_file" yaml:"original_file"`
	SymFile       string  `json:"sym_file" yaml:"sym_file"`
	Processed     bool    `json:"processed" yaml:"processed"`

	PreprocessedFile string `json:"preprocessed_file,omitempty" yaml:"preprocessed_file,omitempty"`
	CleanedFile      string `json:"cleaned_file,omitempty" yaml:"cleaned_file,omitempty"`
	CalibratedFile   string `json:"calibrated_file,omitempty" yaml:"calibrated_file,omitempty"`
	RecleanedFile    string `json:"recleaned_file,omitempty" yaml:"recleaned_file,omitempty"`

	Collection  *Collection  `json:"-" yaml:"-"`
	Observation *Observation `json:"-" yaml:"-"`
}

func (c *ObservationChunk) IsFluxCal() bool { return isFluxCal(c.Source) }
func (c *ObservationChunk) IsPolnCal() bool { return isPolnCal(c.Source, c.ObsType) }
func (c *ObservationChunk) IsPulsar() bool  { return isPulsar(c.ObsType) }

// Stage reports the most advanced stage recorded for the chunk.
func (c *ObservationChunk) Stage() Stage {
	switch {
	case c.RecleanedFile != "":
		return StageRecleaned
	case c.CalibratedFile != "":
		return StageCalibrated
	case c.CleanedFile != "":
		return StageCleaned
	case c.PreprocessedFile != "":
		return StagePreprocessed
	default:
		return StageRaw
	}
}

// Validate enforces cleaned <- calibrated <- recleaned.
func (c *ObservationChunk) Validate() error {
	if c.CalibratedFile != "" && c.CleanedFile == "" {
		return fmt.Errorf("%w: chunk %s calibrated without cleaned output", ErrStageOrder, c.OriginalFile)
	}
	if c.RecleanedFile != "" && c.CalibratedFile == "" {
		return fmt.Errorf("%w: chunk %s recleaned without calibrated output", ErrStageOrder, c.OriginalFile)
	}
	return nil
}
