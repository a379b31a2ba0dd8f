// Package ingest discovers raw archive files, clusters them into observation
// UTC directories, symlinks them into the pipeline tree and records them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/3leaps/psrpype/pkg/archive"
	"github.com/3leaps/psrpype/pkg/obsstore"
)

// DefaultExtensions are the archive suffixes picked up from a directory.
var DefaultExtensions = []string{".ar", ".cf", ".rf", ".zcf", ".zrf"}

// StandaloneCollection names the collection used for explicit file lists.
const StandaloneCollection = "standalone"

// ErrMissingDirectory aborts a run before anything is written.
var ErrMissingDirectory = errors.New("input directory does not exist")

// Options control one ingestion run.
type Options struct {
	// OutDir is the symlink tree root, normally <PSRPYPE_ROOT>/raw.
	OutDir      string
	PID         string
	Alias       string
	Description string

	// Extensions are suffixes (".ar") or doublestar patterns ("**/*.ar")
	// matched relative to each input directory.
	Extensions []string

	Backends    []string
	Sources     []string
	Frequencies []float64
}

// Result counts what a run did.
type Result struct {
	Collections  int
	Observations int
	Chunks       int
	Skipped      int
	Bytes        int64
}

func (r *Result) add(o *Result) {
	r.Collections += o.Collections
	r.Observations += o.Observations
	r.Chunks += o.Chunks
	r.Skipped += o.Skipped
	r.Bytes += o.Bytes
}

// Recorder is the part of the store ingestion reads and writes.
type Recorder interface {
	KnownOriginalFiles(ctx context.Context) (map[string]bool, error)
	FindCollection(ctx context.Context, path, pid, alias string) (*obsstore.Collection, error)
	FindObservation(ctx context.Context, startUTC string, cfreq float64) (*obsstore.Observation, error)
	AddAll(ctx context.Context, recs []obsstore.Record) error
}

// Ingester records raw files into the store.
type Ingester struct {
	Store  Recorder
	Reader archive.Reader
	Logger *zap.Logger
}

func (in *Ingester) logger() *zap.Logger {
	if in.Logger == nil {
		return zap.NewNop()
	}
	return in.Logger
}

// IngestDirs ingests every matching file of each directory. Each directory
// becomes (or reuses) one collection and is committed in its own transaction.
func (in *Ingester) IngestDirs(ctx context.Context, dirs []string, opts Options) (*Result, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	abs := make([]string, 0, len(dirs))
	for _, d := range dirs {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrMissingDirectory, d)
		}
		a, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", d, err)
		}
		abs = append(abs, a)
	}

	total := &Result{}
	for _, dir := range abs {
		files, err := listFiles(dir, opts.Extensions)
		if err != nil {
			return total, err
		}
		in.logger().Info("Scanning directory",
			zap.String("dir", dir),
			zap.Int("files", len(files)))

		coll := &obsstore.Collection{
			Name:        filepath.Base(dir),
			Path:        dir,
			PID:         opts.PID,
			Description: opts.Description,
			NameAlias:   opts.Alias,
		}
		res, err := in.ingest(ctx, coll, files, opts)
		if err != nil {
			return total, fmt.Errorf("ingest %s: %w", dir, err)
		}
		total.add(res)
	}
	return total, nil
}

// IngestFiles ingests an explicit file list as the standalone collection.
func (in *Ingester) IngestFiles(ctx context.Context, files []string, opts Options) (*Result, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	coll := &obsstore.Collection{
		Name:        StandaloneCollection,
		Path:        StandaloneCollection,
		PID:         opts.PID,
		Description: opts.Description,
		NameAlias:   opts.Alias,
	}
	return in.ingest(ctx, coll, files, opts)
}

func validateOptions(opts Options) error {
	if strings.TrimSpace(opts.OutDir) == "" {
		return errors.New("output directory is required")
	}
	if strings.TrimSpace(opts.PID) == "" {
		return errors.New("project id is required")
	}
	return nil
}

func listFiles(dir string, extensions []string) ([]string, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	fsys := os.DirFS(dir)
	seen := make(map[string]bool)
	var out []string
	for _, ext := range extensions {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		pattern := ext
		if !strings.ContainsAny(ext, "*?[{") {
			pattern = "*" + ext
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %s in %s: %w", pattern, dir, err)
		}
		for _, m := range matches {
			p := filepath.Join(dir, filepath.FromSlash(m))
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

type candidate struct {
	path   string
	header *archive.Header
}

func (in *Ingester) ingest(ctx context.Context, coll *obsstore.Collection, files []string, opts Options) (*Result, error) {
	log := in.logger().With(zap.String("collection", coll.DirName()), zap.String("pid", coll.PID))
	res := &Result{}

	known, err := in.Store.KnownOriginalFiles(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := resolvePath(f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		if known[path] {
			log.Debug("Already ingested, skipping", zap.String("file", path))
			res.Skipped++
			continue
		}
		h, err := in.Reader.ReadHeader(ctx, path)
		if err != nil {
			log.Warn("Could not read archive header, skipping", zap.String("file", path), zap.Error(err))
			res.Skipped++
			continue
		}
		if reason := filterReason(h, opts); reason != "" {
			log.Debug("Filtered out", zap.String("file", path), zap.String("reason", reason))
			res.Skipped++
			continue
		}
		candidates = append(candidates, candidate{path: path, header: h})
	}

	// Clustering needs each frequency's files in start order.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].header, candidates[j].header
		if a.CFreq != b.CFreq {
			return a.CFreq < b.CFreq
		}
		return a.StartMJD < b.StartMJD
	})

	if existing, err := in.Store.FindCollection(ctx, coll.Path, coll.PID, coll.NameAlias); err == nil {
		coll = existing
	} else if !errors.Is(err, obsstore.ErrNotFound) {
		return nil, err
	}

	chunks, err := in.link(ctx, log, coll, candidates, opts, res)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		log.Info("Nothing new to ingest", zap.Int("skipped", res.Skipped))
		return res, nil
	}

	observations, err := in.group(ctx, chunks)
	if err != nil {
		return nil, err
	}

	recs := make([]obsstore.Record, 0, len(observations)+1)
	if coll.ID == 0 {
		res.Collections++
	}
	recs = append(recs, coll)
	for _, o := range observations {
		if o.ID == 0 {
			res.Observations++
		}
		recs = append(recs, o)
	}
	if err := in.Store.AddAll(ctx, recs); err != nil {
		return nil, fmt.Errorf("record collection %s: %w", coll.DirName(), err)
	}
	res.Chunks = len(chunks)

	log.Info("Ingested collection",
		zap.Int("chunks", res.Chunks),
		zap.Int("new_observations", res.Observations),
		zap.Int("skipped", res.Skipped),
		zap.String("size", humanize.Bytes(uint64(res.Bytes))))
	return res, nil
}

func filterReason(h *archive.Header, opts Options) string {
	if len(opts.Backends) > 0 && !containsString(opts.Backends, h.Backend) {
		return "backend not in list"
	}
	if len(opts.Sources) > 0 && !containsString(opts.Sources, h.Source) {
		return "source not in list"
	}
	if len(opts.Frequencies) > 0 && !obsstore.MatchFreq(opts.Frequencies, h.CFreq, obsstore.DefaultFreqTolerance) {
		return "frequency not in list"
	}
	return ""
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// link assigns UTC directories, appends ledger rows and creates symlinks.
func (in *Ingester) link(ctx context.Context, log *zap.Logger, coll *obsstore.Collection, candidates []candidate, opts Options, res *Result) ([]*obsstore.ObservationChunk, error) {
	ledgers := make(map[string][]LedgerRow)
	var chunks []*obsstore.ObservationChunk

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := c.header
		target := filepath.Join(opts.OutDir, coll.PID, h.Source, coll.DirName())
		// #nosec G301 -- pipeline tree is shared with the group
		if err := os.MkdirAll(target, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}

		ledgerPath := filepath.Join(target, TimesFile)
		rows, ok := ledgers[ledgerPath]
		if !ok {
			loaded, err := LoadLedger(ledgerPath)
			if err != nil {
				return nil, err
			}
			rows = loaded
		}

		startUTC := archive.UTCString(h.StartMJD)
		row := LedgerRow{
			CFreq:    h.CFreq,
			StartMJD: h.StartMJD,
			StartUTC: startUTC,
			EndMJD:   h.EndMJD,
			EndUTC:   archive.UTCString(h.EndMJD),
			UTCDir:   ChooseUTCDir(rows, h.CFreq, h.StartMJD, startUTC),
		}
		if row.UTCDir != startUTC {
			log.Debug("Joining existing UTC directory",
				zap.String("file", c.path),
				zap.String("utc_start", startUTC),
				zap.String("utc_dir", row.UTCDir))
		}
		linkDir := filepath.Join(target, row.UTCDir, obsstore.FormatFreq(h.CFreq))
		// #nosec G301 -- pipeline tree is shared with the group
		if err := os.MkdirAll(linkDir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", linkDir, err)
		}
		link := filepath.Join(linkDir, startUTC+strings.Join(obsstore.FileSuffixes(c.path), ""))

		if dest, err := os.Readlink(link); err == nil {
			if dest != c.path {
				log.Warn("Symlink already exists, skipping", zap.String("link", link), zap.String("points_to", dest))
				res.Skipped++
				continue
			}
			log.Debug("Symlink exists but file is unrecorded, recording", zap.String("link", link))
		} else if _, statErr := os.Lstat(link); statErr == nil {
			log.Warn("Path already exists, skipping", zap.String("path", link))
			res.Skipped++
			continue
		} else if err := os.Symlink(c.path, link); err != nil {
			return nil, fmt.Errorf("symlink %s: %w", link, err)
		}

		// A rerun after a failed commit finds its rows already in the ledger.
		if !HasRow(rows, row) {
			if err := AppendLedger(ledgerPath, row); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		ledgers[ledgerPath] = rows

		chunk := h.Chunk(c.path, link, row.UTCDir)
		chunk.Collection = coll
		chunks = append(chunks, chunk)
		res.Bytes += h.FileSize
	}
	return chunks, nil
}

type obsKey struct {
	utc  string
	freq string
}

// group folds chunks into observations keyed by UTC directory and frequency,
// reusing stored observations where they exist.
func (in *Ingester) group(ctx context.Context, chunks []*obsstore.ObservationChunk) ([]*obsstore.Observation, error) {
	byKey := make(map[obsKey]*obsstore.Observation)
	var order []obsKey
	for _, c := range chunks {
		k := obsKey{utc: c.StartUTC, freq: obsstore.FormatFreq(c.CFreq)}
		obs, ok := byKey[k]
		if !ok {
			existing, err := in.Store.FindObservation(ctx, c.StartUTC, c.CFreq)
			switch {
			case err == nil:
				obs = existing
			case errors.Is(err, obsstore.ErrNotFound):
				if obs, err = obsstore.NewObservation(c); err != nil {
					return nil, err
				}
			default:
				return nil, err
			}
			byKey[k] = obs
			order = append(order, k)
		}
		obs.Attach(c)
	}

	out := make([]*obsstore.Observation, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out, nil
}
