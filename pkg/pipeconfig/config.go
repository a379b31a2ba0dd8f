package pipeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Keys understood by the pipeline.
const (
	KeyRoot              = "PSRPYPE_ROOT"
	KeyDMList            = "DM_LIST"
	KeyRMList            = "RM_LIST"
	KeyDecimationList    = "DECIMATION_LIST"
	KeyDBFile            = "DB_FILE"
	KeyGlobalFluxcalDB   = "GLOBAL_FLUXCAL_DB"
	KeyGlobalPolncalDB   = "GLOBAL_POLNCAL_DB"
	KeyGlobalMetmDB      = "GLOBAL_METM_DB"
	KeyRFIZapTolerance   = "RFI_ZAP_TOLERANCE"
	KeyNSimultaneousJobs = "N_SIMULTANEOUS_JOBS"
	KeyPartition         = "PARTITION"
	KeyMailUser          = "MAIL_USER"
	KeyMailType          = "MAIL_TYPE"
	KeySlurmBashHeader   = "SLURM_BASH_HEADER"
	KeySlurmAccount      = "SLURM_ACCOUNT"
)

// RequiredKeys must be present (with a value) in every configuration.
var RequiredKeys = []string{KeyRoot, KeyDBFile, KeyGlobalFluxcalDB, KeyGlobalPolncalDB, KeyGlobalMetmDB}

// DefaultNSimultaneousJobs caps active batch jobs when the key is absent.
const DefaultNSimultaneousJobs = 50

// MissingKeyError names required keys absent from a configuration.
type MissingKeyError struct {
	Keys []string
}

func (e *MissingKeyError) Error() string {
	return "missing required config keys: " + strings.Join(e.Keys, ", ")
}

// ErrInvalidValue wraps values that fail to parse.
var ErrInvalidValue = errors.New("invalid config value")

// Config is the typed pipeline configuration.
type Config struct {
	// Path is the file the configuration was read from, if any.
	Path string

	Root              string
	DMListFile        string
	RMListFile        string
	DecimationFile    string
	DBFile            string
	GlobalFluxcalDB   string
	GlobalPolncalDB   string
	GlobalMetmDB      string
	RFIZapTolerance   float64
	NSimultaneousJobs int
	Partition         string
	MailUser          string
	MailType          string
	SlurmBashHeader   string
	SlurmAccount      string

	// DMs and RMs map source names to the value passed to pam.
	DMs map[string]string
	RMs map[string]string

	// Decimations maps a source to its pam flag sets.
	Decimations map[string][]string
}

// Load reads and validates a configuration file and its tables.
func Load(path string) (*Config, error) {
	values, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := FromMap(values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// FromMap builds a Config from parsed key/value pairs, resolving relative
// paths against PSRPYPE_ROOT and loading the DM, RM and decimation tables.
func FromMap(values map[string]string) (*Config, error) {
	var missing []string
	for _, k := range RequiredKeys {
		if strings.TrimSpace(values[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingKeyError{Keys: missing}
	}

	root, err := filepath.Abs(values[KeyRoot])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, KeyRoot, err)
	}
	resolve := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}

	cfg := &Config{
		Root:              root,
		DMListFile:        resolve(values[KeyDMList]),
		RMListFile:        resolve(values[KeyRMList]),
		DecimationFile:    resolve(values[KeyDecimationList]),
		DBFile:            resolve(values[KeyDBFile]),
		GlobalFluxcalDB:   resolve(values[KeyGlobalFluxcalDB]),
		GlobalPolncalDB:   resolve(values[KeyGlobalPolncalDB]),
		GlobalMetmDB:      resolve(values[KeyGlobalMetmDB]),
		RFIZapTolerance:   1,
		NSimultaneousJobs: DefaultNSimultaneousJobs,
		Partition:         values[KeyPartition],
		MailUser:          values[KeyMailUser],
		MailType:          values[KeyMailType],
		SlurmBashHeader:   strings.ReplaceAll(values[KeySlurmBashHeader], `\n`, "\n"),
		SlurmAccount:      values[KeySlurmAccount],
		DMs:               map[string]string{},
		RMs:               map[string]string{},
		Decimations:       map[string][]string{},
	}

	if v := strings.TrimSpace(values[KeyRFIZapTolerance]); v != "" {
		tol, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidValue, KeyRFIZapTolerance, v)
		}
		cfg.RFIZapTolerance = tol
	}
	if v := strings.TrimSpace(values[KeyNSimultaneousJobs]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidValue, KeyNSimultaneousJobs, v)
		}
		cfg.NSimultaneousJobs = n
	}

	if cfg.DMListFile != "" {
		if cfg.DMs, err = readOptionalTable(cfg.DMListFile, true); err != nil {
			return nil, err
		}
	}
	if cfg.RMListFile != "" {
		if cfg.RMs, err = readOptionalTable(cfg.RMListFile, true); err != nil {
			return nil, err
		}
	}
	if cfg.DecimationFile != "" {
		raw, err := readOptionalTable(cfg.DecimationFile, false)
		if err != nil {
			return nil, err
		}
		for source, v := range raw {
			cfg.Decimations[source] = SplitFlagSets(v)
		}
	}

	return cfg, nil
}

// readOptionalTable treats a configured but absent table as empty so a
// freshly initialised pipeline runs before the tables are filled in.
func readOptionalTable(path string, splitValue bool) (map[string]string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	return readTable(path, splitValue)
}

// SplitFlagSets splits "-F -T,-T --setnchn 32" into its flag sets.
func SplitFlagSets(v string) []string {
	var out []string
	for _, part := range strings.Split(strings.TrimSpace(v), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EphemerisPath is where a source's timing model is looked up.
func (c *Config) EphemerisPath(source string) string {
	return filepath.Join(c.Root, "ephemeris", source+".par")
}

// ScratchDir holds intermediate list files.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.Root, "scratch")
}

// FluxcalSolutionsDir receives fluxcal output.
func (c *Config) FluxcalSolutionsDir() string {
	return filepath.Join(c.Root, "flux_cal", "solutions")
}

// Sources lists every source with any per-source setting, sorted.
func (c *Config) Sources() []string {
	seen := make(map[string]bool)
	for s := range c.DMs {
		seen[s] = true
	}
	for s := range c.RMs {
		seen[s] = true
	}
	for s := range c.Decimations {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
