package obsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is an entity the store knows how to write. New records (zero ID)
// are inserted and receive their ID; existing records are updated.
type Record interface {
	persist(ctx context.Context, w *writer) error
}

type writer struct {
	tx   *sql.Tx
	seen map[any]bool
	// ids assigned by inserts, zeroed again if the transaction rolls back
	assigned []*int64
}

func (w *writer) assign(dst *int64, res sql.Result) error {
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	*dst = id
	w.assigned = append(w.assigned, dst)
	return nil
}

func (w *writer) unassign() {
	for _, p := range w.assigned {
		*p = 0
	}
}

// updated fails when an UPDATE matched no row, so a stale ID is never
// mistaken for a successful write.
func updated(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %d: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func (w *writer) once(rec any) bool {
	if w.seen[rec] {
		return false
	}
	w.seen[rec] = true
	return true
}

// Add writes a single record in its own transaction.
func (s *Store) Add(ctx context.Context, rec Record) error {
	return s.AddAll(ctx, []Record{rec})
}

// AddAll writes every record, and any unsaved parents they reference, in one
// transaction. Either all of them are committed or none are.
func (s *Store) AddAll(ctx context.Context, recs []Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	w := &writer{tx: tx, seen: make(map[any]bool)}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			w.unassign()
		}
	}()

	for _, rec := range recs {
		if rec == nil {
			return errors.New("nil record")
		}
		if err := rec.persist(ctx, w); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func (c *Collection) persist(ctx context.Context, w *writer) error {
	if !w.once(c) {
		return nil
	}
	if c.ID == 0 {
		res, err := w.tx.ExecContext(ctx, `INSERT INTO collections
			(collection_name, collection_path, pid, description, name_alias)
			VALUES (?, ?, ?, ?, ?)`,
			c.Name, c.Path, c.PID, nullString(c.Description), nullString(c.NameAlias))
		if err != nil {
			return fmt.Errorf("insert collection: %w", err)
		}
		if err := w.assign(&c.ID, res); err != nil {
			return fmt.Errorf("insert collection id: %w", err)
		}
		return nil
	}

	res, err := w.tx.ExecContext(ctx, `UPDATE collections SET
		collection_name=?, collection_path=?, pid=?, description=?, name_alias=?
		WHERE id=?`,
		c.Name, c.Path, c.PID, nullString(c.Description), nullString(c.NameAlias), c.ID)
	if err != nil {
		return fmt.Errorf("update collection %d: %w", c.ID, err)
	}
	return updated(res, "collection", c.ID)
}

func (j *SlurmJob) persist(ctx context.Context, w *writer) error {
	if !w.once(j) {
		return nil
	}
	if j.ID <= 0 {
		return fmt.Errorf("slurm job id must be positive, got %d", j.ID)
	}
	now := time.Now().UTC()
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = now
	}
	j.UpdatedAt = now

	_, err := w.tx.ExecContext(ctx, `INSERT INTO slurm_jobs (id, state, description, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state,
			description=excluded.description,
			updated_at=excluded.updated_at`,
		j.ID, string(j.State), nullString(j.Description), formatTime(j.SubmittedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert slurm job %d: %w", j.ID, err)
	}
	return nil
}

func (o *Observation) persist(ctx context.Context, w *writer) error {
	if !w.once(o) {
		return nil
	}
	if o.Job != nil {
		if err := o.Job.persist(ctx, w); err != nil {
			return err
		}
		id := o.Job.ID
		o.SlurmID = &id
	}

	var slurmID any
	if o.SlurmID != nil {
		slurmID = *o.SlurmID
	}

	if o.ID == 0 {
		res, err := w.tx.ExecContext(ctx, `INSERT INTO observations
			(slurm_id, obs_start_utc, obs_type, nchan, nsubint, nbin, npol, cfreq, bw,
			 source, backend, telescope, psradded_file, decimated, processed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			slurmID, o.StartUTC, o.ObsType, o.NChan, o.NSubint, o.NBin, o.NPol, o.CFreq, o.BW,
			o.Source, o.Backend, o.Telescope, nullString(o.PsraddedFile), boolInt(o.Decimated), boolInt(o.Processed))
		if err != nil {
			return fmt.Errorf("insert observation %s: %w", o.StartUTC, err)
		}
		if err := w.assign(&o.ID, res); err != nil {
			return fmt.Errorf("insert observation id: %w", err)
		}
	} else {
		res, err := w.tx.ExecContext(ctx, `UPDATE observations SET
			slurm_id=?, obs_start_utc=?, obs_type=?, nchan=?, nsubint=?, nbin=?, npol=?, cfreq=?, bw=?,
			source=?, backend=?, telescope=?, psradded_file=?, decimated=?, processed=?
			WHERE id=?`,
			slurmID, o.StartUTC, o.ObsType, o.NChan, o.NSubint, o.NBin, o.NPol, o.CFreq, o.BW,
			o.Source, o.Backend, o.Telescope, nullString(o.PsraddedFile), boolInt(o.Decimated), boolInt(o.Processed),
			o.ID)
		if err != nil {
			return fmt.Errorf("update observation %d: %w", o.ID, err)
		}
		if err := updated(res, "observation", o.ID); err != nil {
			return err
		}
	}

	for _, c := range o.Chunks {
		c.Observation = o
		c.ObservationID = o.ID
		if err := c.persist(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (c *ObservationChunk) persist(ctx context.Context, w *writer) error {
	if c.Observation != nil && c.Observation.ID == 0 {
		// Inserting the observation writes its chunks, this one included.
		c.Observation.Attach(c)
		return c.Observation.persist(ctx, w)
	}
	if !w.once(c) {
		return nil
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Collection != nil {
		if err := c.Collection.persist(ctx, w); err != nil {
			return err
		}
		c.CollectionID = c.Collection.ID
	}
	if c.Observation != nil {
		c.ObservationID = c.Observation.ID
	}
	if c.CollectionID == 0 || c.ObservationID == 0 {
		return fmt.Errorf("chunk %s is missing its collection or observation", c.OriginalFile)
	}

	if c.ID == 0 {
		res, err := w.tx.ExecContext(ctx, `INSERT INTO observation_chunks
			(collection_id, observation_id, nchan, nsubint, nbin, npol, cfreq, bw, file_size,
			 source, backend, telescope, start_mjd, end_mjd, obs_start_utc, obs_type,
			 original_file, sym_file, processed,
			 preprocessed_file, cleaned_file, calibrated_file, recleaned_file)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CollectionID, c.ObservationID, c.NChan, c.NSubint, c.NBin, c.NPol, c.CFreq, c.BW, c.FileSize,
			c.Source, c.Backend, c.Telescope, c.StartMJD, c.EndMJD, c.StartUTC, c.ObsType,
			c.OriginalFile, c.SymFile, boolInt(c.Processed),
			nullString(c.PreprocessedFile), nullString(c.CleanedFile), nullString(c.CalibratedFile), nullString(c.RecleanedFile))
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.OriginalFile, err)
		}
		if err := w.assign(&c.ID, res); err != nil {
			return fmt.Errorf("insert chunk id: %w", err)
		}
		return nil
	}

	res, err := w.tx.ExecContext(ctx, `UPDATE observation_chunks SET
		collection_id=?, observation_id=?, nchan=?, nsubint=?, nbin=?, npol=?, cfreq=?, bw=?, file_size=?,
		source=?, backend=?, telescope=?, start_mjd=?, end_mjd=?, obs_start_utc=?, obs_type=?,
		original_file=?, sym_file=?, processed=?,
		preprocessed_file=?, cleaned_file=?, calibrated_file=?, recleaned_file=?
		WHERE id=?`,
		c.CollectionID, c.ObservationID, c.NChan, c.NSubint, c.NBin, c.NPol, c.CFreq, c.BW, c.FileSize,
		c.Source, c.Backend, c.Telescope, c.StartMJD, c.EndMJD, c.StartUTC, c.ObsType,
		c.OriginalFile, c.SymFile, boolInt(c.Processed),
		nullString(c.PreprocessedFile), nullString(c.CleanedFile), nullString(c.CalibratedFile), nullString(c.RecleanedFile),
		c.ID)
	if err != nil {
		return fmt.Errorf("update chunk %d: %w", c.ID, err)
	}
	return updated(res, "chunk", c.ID)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
