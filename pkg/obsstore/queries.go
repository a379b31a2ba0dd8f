package obsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// DefaultFreqTolerance is the MHz window used when matching frequencies.
const DefaultFreqTolerance = 1e-3

// ObservationFilter narrows ListObservations. Empty fields match everything.
type ObservationFilter struct {
	Types         []string
	Backends      []string
	Sources       []string
	Frequencies   []float64
	FreqTolerance float64
	StartUTCs     []string
	Processed     *bool
	HasJob        *bool
	Limit         int
}

// Matches applies the filter to an in-memory observation.
func (f ObservationFilter) Matches(o *Observation) bool {
	if len(f.Types) > 0 && !contains(f.Types, o.ObsType) {
		return false
	}
	if len(f.Backends) > 0 && !contains(f.Backends, o.Backend) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, o.Source) {
		return false
	}
	if len(f.StartUTCs) > 0 && !contains(f.StartUTCs, o.StartUTC) {
		return false
	}
	if len(f.Frequencies) > 0 && !MatchFreq(f.Frequencies, o.CFreq, f.tolerance()) {
		return false
	}
	if f.Processed != nil && o.Processed != *f.Processed {
		return false
	}
	if f.HasJob != nil && (o.SlurmID != nil) != *f.HasJob {
		return false
	}
	return true
}

func (f ObservationFilter) tolerance() float64 {
	if f.FreqTolerance > 0 {
		return f.FreqTolerance
	}
	return DefaultFreqTolerance
}

// MatchFreq reports whether freq is within tol of any candidate.
func MatchFreq(candidates []float64, freq, tol float64) bool {
	for _, c := range candidates {
		if math.Abs(c-freq) < tol {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (f ObservationFilter) where() (string, []any) {
	var clauses []string
	var args []any

	addIn := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		clauses = append(clauses, col+" IN ("+placeholders(len(values))+")")
		for _, v := range values {
			args = append(args, v)
		}
	}
	addIn("obs_type", f.Types)
	addIn("backend", f.Backends)
	addIn("source", f.Sources)
	addIn("obs_start_utc", f.StartUTCs)

	if len(f.Frequencies) > 0 {
		var parts []string
		for _, freq := range f.Frequencies {
			parts = append(parts, "ABS(cfreq - ?) < ?")
			args = append(args, freq, f.tolerance())
		}
		clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
	}
	if f.Processed != nil {
		clauses = append(clauses, "processed = ?")
		args = append(args, boolInt(*f.Processed))
	}
	if f.HasJob != nil {
		if *f.HasJob {
			clauses = append(clauses, "slurm_id IS NOT NULL")
		} else {
			clauses = append(clauses, "slurm_id IS NULL")
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const observationColumns = `id, slurm_id, obs_start_utc, obs_type, nchan, nsubint, nbin, npol, cfreq, bw,
	source, backend, telescope, psradded_file, decimated, processed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*Observation, error) {
	var (
		o         Observation
		slurmID   sql.NullInt64
		psradded  sql.NullString
		decimated int
		processed int
	)
	if err := row.Scan(&o.ID, &slurmID, &o.StartUTC, &o.ObsType, &o.NChan, &o.NSubint, &o.NBin, &o.NPol,
		&o.CFreq, &o.BW, &o.Source, &o.Backend, &o.Telescope, &psradded, &decimated, &processed); err != nil {
		return nil, err
	}
	if slurmID.Valid {
		id := slurmID.Int64
		o.SlurmID = &id
	}
	o.PsraddedFile = psradded.String
	o.Decimated = decimated != 0
	o.Processed = processed != 0
	return &o, nil
}

// ListObservations returns matching observations ordered by start UTC, with
// their chunks, collections and latest job loaded.
func (s *Store) ListObservations(ctx context.Context, f ObservationFilter) ([]*Observation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	where, args := f.where()
	query := `SELECT ` + observationColumns + ` FROM observations` + where + ` ORDER BY obs_start_utc, cfreq, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	var out []*Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	_ = rows.Close()

	if err := s.loadRelations(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetObservation loads one observation with its relations.
func (s *Store) GetObservation(ctx context.Context, id int64) (*Observation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id=?`, id)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get observation %d: %w", id, err)
	}
	if err := s.loadRelations(ctx, []*Observation{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// FindObservation looks an observation up by start UTC and centre frequency.
func (s *Store) FindObservation(ctx context.Context, startUTC string, cfreq float64) (*Observation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations
		WHERE obs_start_utc=? AND ABS(cfreq - ?) < ? ORDER BY id LIMIT 1`, startUTC, cfreq, DefaultFreqTolerance)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find observation %s: %w", startUTC, err)
	}
	if err := s.loadRelations(ctx, []*Observation{o}); err != nil {
		return nil, err
	}
	return o, nil
}

const chunkColumns = `id, collection_id, observation_id, nchan, nsubint, nbin, npol, cfreq, bw, file_size,
	source, backend, telescope, start_mjd, end_mjd, obs_start_utc, obs_type, original_file, sym_file, processed,
	preprocessed_file, cleaned_file, calibrated_file, recleaned_file`

func scanChunk(row rowScanner) (*ObservationChunk, error) {
	var (
		c            ObservationChunk
		processed    int
		preprocessed sql.NullString
		cleaned      sql.NullString
		calib        sql.NullString
		reclean      sql.NullString
	)
	if err := row.Scan(&c.ID, &c.CollectionID, &c.ObservationID, &c.NChan, &c.NSubint, &c.NBin, &c.NPol,
		&c.CFreq, &c.BW, &c.FileSize, &c.Source, &c.Backend, &c.Telescope, &c.StartMJD, &c.EndMJD,
		&c.StartUTC, &c.ObsType, &c.OriginalFile, &c.SymFile, &processed,
		&preprocessed, &cleaned, &calib, &reclean); err != nil {
		return nil, err
	}
	c.Processed = processed != 0
	c.PreprocessedFile = preprocessed.String
	c.CleanedFile = cleaned.String
	c.CalibratedFile = calib.String
	c.RecleanedFile = reclean.String
	return &c, nil
}

// ChunkByOriginalFile returns the chunk ingested from path, or ErrNotFound.
func (s *Store) ChunkByOriginalFile(ctx context.Context, path string) (*ObservationChunk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM observation_chunks WHERE original_file=?`, path)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", path, err)
	}
	return c, nil
}

// KnownOriginalFiles returns the set of already ingested original paths.
func (s *Store) KnownOriginalFiles(ctx context.Context) (map[string]bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT original_file FROM observation_chunks`)
	if err != nil {
		return nil, fmt.Errorf("query original files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	known := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan original file: %w", err)
		}
		known[p] = true
	}
	return known, rows.Err()
}

func (s *Store) loadRelations(ctx context.Context, obs []*Observation) error {
	if len(obs) == 0 {
		return nil
	}
	byID := make(map[int64]*Observation, len(obs))
	ids := make([]any, 0, len(obs))
	jobIDs := make(map[int64]bool)
	for _, o := range obs {
		o.Chunks = nil
		byID[o.ID] = o
		ids = append(ids, o.ID)
		if o.SlurmID != nil {
			jobIDs[*o.SlurmID] = true
		}
	}

	collectionIDs := make(map[int64]bool)
	var chunks []*ObservationChunk
	for start := 0; start < len(ids); start += 500 {
		end := min(start+500, len(ids))
		batch := ids[start:end]
		rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM observation_chunks
			WHERE observation_id IN (`+placeholders(len(batch))+`) ORDER BY start_mjd, id`, batch...)
		if err != nil {
			return fmt.Errorf("query chunks: %w", err)
		}
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan chunk: %w", err)
			}
			chunks = append(chunks, c)
			collectionIDs[c.CollectionID] = true
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate chunks: %w", err)
		}
		_ = rows.Close()
	}

	collections, err := s.collectionsByID(ctx, collectionIDs)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		c.Collection = collections[c.CollectionID]
		if o := byID[c.ObservationID]; o != nil {
			o.Attach(c)
		}
	}

	for id := range jobIDs {
		job, err := s.GetSlurmJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for _, o := range obs {
			if o.SlurmID != nil && *o.SlurmID == id {
				o.Job = job
			}
		}
	}
	return nil
}

func (s *Store) collectionsByID(ctx context.Context, ids map[int64]bool) (map[int64]*Collection, error) {
	out := make(map[int64]*Collection, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids))
	for id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, collection_name, collection_path, pid, description, name_alias
		FROM collections WHERE id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			c           Collection
			description sql.NullString
			alias       sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Path, &c.PID, &description, &alias); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		c.Description = description.String
		c.NameAlias = alias.String
		out[c.ID] = &c
	}
	return out, rows.Err()
}

// ListCollections returns every collection ordered by id.
func (s *Store) ListCollections(ctx context.Context) ([]*Collection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM collections`)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan collection id: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	byID, err := s.collectionsByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Collection, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func scanJob(row rowScanner) (*SlurmJob, error) {
	var (
		j           SlurmJob
		state       string
		description sql.NullString
		submitted   sql.NullString
		updated     sql.NullString
	)
	if err := row.Scan(&j.ID, &state, &description, &submitted, &updated); err != nil {
		return nil, err
	}
	j.State = JobState(state)
	j.Description = description.String
	j.SubmittedAt = parseTime(submitted)
	j.UpdatedAt = parseTime(updated)
	return &j, nil
}

// GetSlurmJob returns the job with the scheduler id, or ErrNotFound.
func (s *Store) GetSlurmJob(ctx context.Context, id int64) (*SlurmJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, state, description, submitted_at, updated_at FROM slurm_jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("slurm job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get slurm job %d: %w", id, err)
	}
	return j, nil
}

// ListSlurmJobs returns jobs in any of the given states, newest first.
// No states means all jobs.
func (s *Store) ListSlurmJobs(ctx context.Context, states ...JobState) ([]*SlurmJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT id, state, description, submitted_at, updated_at FROM slurm_jobs`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query slurm jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SlurmJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slurm job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ActiveJobIDs returns the ids of jobs not yet in a terminal state.
func (s *Store) ActiveJobIDs(ctx context.Context) ([]int64, error) {
	jobs, err := s.ListSlurmJobs(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, j := range jobs {
		if j.State.IsActive() {
			ids = append(ids, j.ID)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids, nil
}

// CountActiveJobs is len(ActiveJobIDs).
func (s *Store) CountActiveJobs(ctx context.Context) (int, error) {
	ids, err := s.ActiveJobIDs(ctx)
	return len(ids), err
}

// SetJobStates applies scheduler-reported states in one transaction.
func (s *Store) SetJobStates(ctx context.Context, states map[int64]JobState) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now().UTC())
	for id, state := range states {
		res, err := tx.ExecContext(ctx, `UPDATE slurm_jobs SET state=?, updated_at=? WHERE id=?`, string(state), now, id)
		if err != nil {
			return fmt.Errorf("update slurm job %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("slurm job %d: %w", id, ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Stats summarises the database for status output.
type Stats struct {
	Collections  int            `json:"collections" yaml:"collections"`
	Observations int            `json:"observations" yaml:"observations"`
	Processed    int            `json:"processed" yaml:"processed"`
	Decimated    int            `json:"decimated" yaml:"decimated"`
	Chunks       int            `json:"chunks" yaml:"chunks"`
	TotalBytes   int64          `json:"total_bytes" yaml:"total_bytes"`
	JobsByState  map[string]int `json:"jobs_by_state" yaml:"jobs_by_state"`
}

// Stats collects counts across all tables.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	st := &Stats{JobsByState: make(map[string]int)}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections`).Scan(&st.Collections); err != nil {
		return nil, fmt.Errorf("count collections: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(processed),0), COALESCE(SUM(decimated),0)
		FROM observations`).Scan(&st.Observations, &st.Processed, &st.Decimated); err != nil {
		return nil, fmt.Errorf("count observations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(file_size),0) FROM observation_chunks`).
		Scan(&st.Chunks, &st.TotalBytes); err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM slurm_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		st.JobsByState[state] = n
	}
	return st, rows.Err()
}

// FindCollection returns the collection previously created for the same
// directory, project and alias, or ErrNotFound.
func (s *Store) FindCollection(ctx context.Context, path, pid, alias string) (*Collection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM collections
		WHERE collection_path=? AND pid=? AND COALESCE(name_alias, '')=? ORDER BY id LIMIT 1`, path, pid, alias).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find collection %s: %w", path, err)
	}
	byID, err := s.collectionsByID(ctx, map[int64]bool{id: true})
	if err != nil {
		return nil, err
	}
	return byID[id], nil
}
