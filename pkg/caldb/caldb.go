// Package caldb builds local calibration databases from cleaned calibrator
// archives and merges them into the pipeline's global databases.
package caldb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

// Kind selects the global database a build feeds.
type Kind string

const (
	Flux Kind = "fluxcal"
	Poln Kind = "polncal"
)

// TimestampLayout prefixes list and database file names.
const TimestampLayout = "2006-01-02-15:04:05"

const headerPrefix = "Pulsar::Database"

// Builder runs pac and fluxcal and maintains the global databases.
type Builder struct {
	Config *pipeconfig.Config
	Runner toolrun.Runner
	Logger *zap.Logger

	// Now stamps list files; defaults to time.Now.
	Now func() time.Time
}

func (b *Builder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func (b *Builder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// GlobalDB returns the global database file for a kind.
func (b *Builder) GlobalDB(kind Kind) (string, error) {
	switch kind {
	case Flux:
		return b.Config.GlobalFluxcalDB, nil
	case Poln:
		return b.Config.GlobalPolncalDB, nil
	}
	return "", fmt.Errorf("unknown calibrator kind %q", kind)
}

// CreateDB writes archives to <root>/scratch/<listName> and runs pac over
// them, returning the local database path (the list name with .db).
func (b *Builder) CreateDB(ctx context.Context, archives []string, listName string) (string, error) {
	if len(archives) == 0 {
		return "", errors.New("no archives to build a database from")
	}
	scratch := b.Config.ScratchDir()
	// #nosec G301 -- scratch is shared with the group
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	listPath := filepath.Join(scratch, listName)
	content := strings.Join(archives, "\n") + "\n"
	// #nosec G306 -- list files are read by pac under other accounts
	if err := os.WriteFile(listPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write list %s: %w", listPath, err)
	}

	dbPath := filepath.Join(scratch, strings.TrimSuffix(listName, filepath.Ext(listName))+".db")
	if _, err := b.Runner.Run(ctx, "pac", "-K", "3.0", "-W", listPath, "-k", dbPath); err != nil {
		return "", fmt.Errorf("build database from %s: %w", listPath, err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		return "", fmt.Errorf("pac did not write %s: %w", dbPath, err)
	}
	b.logger().Info("Created calibration database",
		zap.String("db", dbPath),
		zap.Int("archives", len(archives)))
	return dbPath, nil
}

// FluxcalSolutions derives flux calibrator solutions from a local database.
func (b *Builder) FluxcalSolutions(ctx context.Context, localDB string) error {
	out := b.Config.FluxcalSolutionsDir()
	// #nosec G301 -- solutions are shared with the group
	if err := os.MkdirAll(out, 0755); err != nil {
		return fmt.Errorf("create solutions dir: %w", err)
	}
	if _, err := b.Runner.Run(ctx, "fluxcal", "-K", "3.0", "-d", localDB, "-O", out); err != nil {
		return fmt.Errorf("fluxcal %s: %w", localDB, err)
	}
	return nil
}

// Merge appends the entries of localDB missing from globalDB. Header lines
// are dropped, relative entries are prefixed with the path the local
// database declares, and the global file always ends in a newline. It
// returns the number of lines added.
func Merge(globalDB, localDB string) (int, error) {
	local, err := os.ReadFile(localDB) // #nosec G304 -- database paths come from configuration
	if err != nil {
		return 0, fmt.Errorf("read local database: %w", err)
	}

	global, err := os.ReadFile(globalDB) // #nosec G304
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read global database: %w", err)
	}

	existing := make(map[string]bool)
	for _, l := range splitLines(global) {
		existing[l] = true
	}

	lines := splitLines(local)
	base := declaredPath(lines)

	var add []string
	for _, l := range lines {
		if strings.HasPrefix(l, headerPrefix) || strings.TrimSpace(l) == "" {
			continue
		}
		if base != "" && !filepath.IsAbs(l) {
			l = base + "/" + l
		}
		if existing[l] {
			continue
		}
		existing[l] = true
		add = append(add, l)
	}
	if len(add) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	if len(global) > 0 && global[len(global)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(strings.Join(add, "\n"))
	buf.WriteByte('\n')

	// #nosec G301 -- global databases are shared with the group
	if err := os.MkdirAll(filepath.Dir(globalDB), 0755); err != nil {
		return 0, fmt.Errorf("create global database dir: %w", err)
	}
	// #nosec G302 G304 -- global databases are shared with the group
	f, err := os.OpenFile(globalDB, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open global database: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("append to global database: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close global database: %w", err)
	}
	return len(add), nil
}

func splitLines(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, strings.TrimRight(sc.Text(), "\r"))
	}
	return out
}

// declaredPath finds "Pulsar::Database::path <dir>" in a database header.
func declaredPath(lines []string) string {
	for _, l := range lines {
		if !strings.HasPrefix(l, headerPrefix) {
			continue
		}
		fields := strings.Fields(l)
		if len(fields) >= 2 && strings.HasSuffix(strings.TrimRight(fields[0], ":"), "path") {
			return strings.TrimRight(fields[1], "/")
		}
	}
	return ""
}

// Result reports what one frequency's build did.
type Result struct {
	Freq    string
	LocalDB string
	Added   int
}

// Build creates a local database per centre frequency and merges each into
// the global database of its kind. Flux builds also derive solutions.
// Frequencies are processed in ascending order. A frequency that fails is
// logged and skipped; the failures are returned joined once every frequency
// has been tried. Cancellation stops the build immediately.
func (b *Builder) Build(ctx context.Context, kind Kind, archivesByFreq map[float64][]string) ([]Result, error) {
	global, err := b.GlobalDB(kind)
	if err != nil {
		return nil, err
	}

	freqs := make([]float64, 0, len(archivesByFreq))
	for f := range archivesByFreq {
		freqs = append(freqs, f)
	}
	sort.Float64s(freqs)

	stamp := b.now().UTC().Format(TimestampLayout)
	var (
		results []Result
		errs    []error
	)
	for _, freq := range freqs {
		archives := archivesByFreq[freq]
		if len(archives) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		cfreq := obsstore.FormatFreq(freq)
		log := b.logger().With(zap.String("kind", string(kind)), zap.String("cfreq", cfreq))

		res, err := b.buildFreq(ctx, log, kind, global, cfreq, stamp, archives)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			log.Error("Calibration database build failed",
				zap.String("severity", "fatal"),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s %s: %w", kind, cfreq, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (b *Builder) buildFreq(ctx context.Context, log *zap.Logger, kind Kind, global, cfreq, stamp string, archives []string) (Result, error) {
	listName := fmt.Sprintf("%s_%s_%s_list.txt", stamp, kind, cfreq)
	localDB, err := b.CreateDB(ctx, archives, listName)
	if err != nil {
		return Result{}, err
	}
	if kind == Flux {
		if err := b.FluxcalSolutions(ctx, localDB); err != nil {
			return Result{}, err
		}
	}
	added, err := Merge(global, localDB)
	if err != nil {
		return Result{}, err
	}
	if added == 0 {
		log.Warn("No new lines for global database", zap.String("local", localDB), zap.String("global", global))
	} else {
		log.Info("Merged into global database",
			zap.String("local", localDB),
			zap.String("global", global),
			zap.Int("lines", added))
	}
	return Result{Freq: cfreq, LocalDB: localDB, Added: added}, nil
}

// GroupByFreq buckets cleaned calibrator archives of observations by centre
// frequency, dropping chunks that have not been cleaned.
func GroupByFreq(observations []*obsstore.Observation) map[float64][]string {
	out := make(map[float64][]string)
	for _, o := range observations {
		for _, c := range o.Chunks {
			if c.CleanedFile == "" {
				continue
			}
			out[o.CFreq] = append(out[o.CFreq], c.CleanedFile)
		}
	}
	return out
}
