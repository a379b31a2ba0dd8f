package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/psrpype/internal/errors"
	"github.com/3leaps/psrpype/pkg/obsstore"
)

// maxListLimit caps list endpoints.
const maxListLimit = 1000

// Reader is the store surface the API reads.
type Reader interface {
	ListObservations(ctx context.Context, f obsstore.ObservationFilter) ([]*obsstore.Observation, error)
	GetObservation(ctx context.Context, id int64) (*obsstore.Observation, error)
	ListSlurmJobs(ctx context.Context, states ...obsstore.JobState) ([]*obsstore.SlurmJob, error)
	Stats(ctx context.Context) (*obsstore.Stats, error)
}

// API serves read-only views of the pipeline database.
type API struct {
	Store Reader
}

// observationSummary is the list view of an observation.
type observationSummary struct {
	*obsstore.Observation
	Stage     obsstore.Stage `json:"stage"`
	NChunks   int            `json:"n_chunks"`
	SizeBytes int64          `json:"size_bytes"`
}

func summarize(o *obsstore.Observation) observationSummary {
	return observationSummary{Observation: o, Stage: o.Stage(), NChunks: len(o.Chunks), SizeBytes: o.TotalSize()}
}

// ListObservations handles GET /v1/observations. Query parameters mirror
// the CLI shortlist flags: type, backend, source, frequency and utc accept
// comma-separated lists; processed is a boolean; limit caps the result.
func (a *API) ListObservations(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	obs, err := a.Store.ListObservations(r.Context(), f)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list observations"))
		return
	}
	out := make([]observationSummary, 0, len(obs))
	for _, o := range obs {
		s := summarize(o)
		brief := *o
		brief.Chunks = nil
		s.Observation = &brief
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": out, "count": len(out)})
}

// GetObservation handles GET /v1/observations/{id} and includes chunks.
func (a *API) GetObservation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, r, apperrors.NewInvalidInputError("invalid observation id", err))
		return
	}
	o, err := a.Store.GetObservation(r.Context(), id)
	if errors.Is(err, obsstore.ErrNotFound) {
		respondWithError(w, r, apperrors.NewNotFoundError("observation "+strconv.FormatInt(id, 10)+" not found"))
		return
	}
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "get observation"))
		return
	}
	writeJSON(w, http.StatusOK, summarize(o))
}

// ListJobs handles GET /v1/jobs with an optional state=A,B filter.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	var states []obsstore.JobState
	for _, s := range splitList(r.URL.Query().Get("state")) {
		states = append(states, obsstore.JobState(strings.ToUpper(s)))
	}
	jobs, err := a.Store.ListSlurmJobs(r.Context(), states...)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list jobs"))
		return
	}
	if jobs == nil {
		jobs = []*obsstore.SlurmJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// Stats handles GET /v1/stats.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Store.Stats(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "collect stats"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func filterFromQuery(r *http.Request) (obsstore.ObservationFilter, error) {
	q := r.URL.Query()
	f := obsstore.ObservationFilter{
		Types:     splitList(q.Get("type")),
		Backends:  splitList(q.Get("backend")),
		Sources:   splitList(q.Get("source")),
		StartUTCs: splitList(q.Get("utc")),
		Limit:     maxListLimit,
	}
	for _, s := range splitList(q.Get("frequency")) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return f, apperrors.NewInvalidInputError("invalid frequency "+s, err)
		}
		f.Frequencies = append(f.Frequencies, v)
	}
	if v := q.Get("processed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, apperrors.NewInvalidInputError("invalid processed flag", err)
		}
		f.Processed = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, apperrors.NewInvalidInputError("invalid limit", err)
		}
		if n < maxListLimit {
			f.Limit = n
		}
	}
	return f, nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StoreChecker reports the database health.
type StoreChecker struct {
	Store interface {
		QuickCheck(ctx context.Context) error
	}
}

func (c StoreChecker) CheckHealth(ctx context.Context) error {
	if c.Store == nil {
		return errors.New("store not configured")
	}
	return c.Store.QuickCheck(ctx)
}
