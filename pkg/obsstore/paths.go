package obsstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FormatFreq renders a centre frequency the way directory names and
// ledger rows expect it: shortest round-trip form, always with a
// fractional part ("1284.0", "1369.5").
func FormatFreq(freq float64) string {
	s := strconv.FormatFloat(freq, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// FileStem returns the final path component without its last suffix.
func FileStem(path string) string {
	name := filepath.Base(path)
	i := strings.LastIndex(name, ".")
	if i > 0 && i < len(name)-1 {
		return name[:i]
	}
	return name
}

// FileSuffixes returns every suffix of the final path component, in order.
// Leading dots (hidden files) are not suffixes.
func FileSuffixes(path string) []string {
	name := filepath.Base(path)
	if strings.HasSuffix(name, ".") {
		return nil
	}
	parts := strings.Split(strings.TrimLeft(name, "."), ".")
	if len(parts) < 2 {
		return nil
	}
	out := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		out = append(out, "."+p)
	}
	return out
}

// OutputDir is the stage directory for the chunk under root. It does not
// touch the filesystem.
func (c *ObservationChunk) OutputDir(root string, stage Stage) (string, error) {
	if c.Collection == nil {
		return "", errors.New("chunk has no collection loaded")
	}
	return filepath.Join(
		root,
		categoryDir(c.Source, c.ObsType),
		c.Collection.PID,
		c.Source,
		c.Collection.DirName(),
		c.StartUTC,
		FormatFreq(c.CFreq),
		string(stage),
	), nil
}

// OutputPath returns the stage directory, creating it if needed.
func (c *ObservationChunk) OutputPath(root string, stage Stage) (string, error) {
	dir, err := c.OutputDir(root, stage)
	if err != nil {
		return "", err
	}
	// #nosec G301 -- pipeline output is shared with other users of the group
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// OutputArchiveName is <source>_<stem(sym)>_<stage><suffixes(sym)>.
func (c *ObservationChunk) OutputArchiveName(stage Stage) string {
	return c.Source + "_" + FileStem(c.SymFile) + "_" + string(stage) + strings.Join(FileSuffixes(c.SymFile), "")
}

// OutputArchivePath joins OutputPath and OutputArchiveName.
func (c *ObservationChunk) OutputArchivePath(root string, stage Stage) (string, error) {
	dir, err := c.OutputPath(root, stage)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.OutputArchiveName(stage)), nil
}

// OutputPath returns a stage directory of the observation, using its first
// chunk for the collection component. An empty stage yields the frequency
// directory itself.
func (o *Observation) OutputPath(root string, stage Stage) (string, error) {
	if len(o.Chunks) == 0 {
		return "", errors.New("observation has no chunks loaded")
	}
	return o.Chunks[0].OutputPath(root, stage)
}
