package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// TimesFile is the per-target clustering ledger.
const TimesFile = "times.dat"

// ClusterTolerance is the MJD window (~8.6s) within which a file joins an
// existing UTC directory.
const ClusterTolerance = 1.0e-4

// LedgerRow is one clustering decision.
type LedgerRow struct {
	CFreq    float64
	StartMJD float64
	StartUTC string
	EndMJD   float64
	EndUTC   string
	UTCDir   string
}

func (r LedgerRow) String() string {
	return fmt.Sprintf("%8.3f %20.12f %s %20.12f %s %s", r.CFreq, r.StartMJD, r.StartUTC, r.EndMJD, r.EndUTC, r.UTCDir)
}

// LoadLedger reads every row of a times.dat file. A missing file is an
// empty ledger.
func LoadLedger(path string) ([]LedgerRow, error) {
	f, err := os.Open(path) // #nosec G304 -- ledger lives under the pipeline output tree
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	var rows []LedgerRow
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("%s:%d: want 6 fields, got %d", path, lineNo, len(fields))
		}
		row := LedgerRow{StartUTC: fields[2], EndUTC: fields[4], UTCDir: fields[5]}
		if row.CFreq, err = strconv.ParseFloat(fields[0], 64); err != nil {
			return nil, fmt.Errorf("%s:%d: cfreq: %w", path, lineNo, err)
		}
		if row.StartMJD, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return nil, fmt.Errorf("%s:%d: start mjd: %w", path, lineNo, err)
		}
		if row.EndMJD, err = strconv.ParseFloat(fields[3], 64); err != nil {
			return nil, fmt.Errorf("%s:%d: end mjd: %w", path, lineNo, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return rows, nil
}

// AppendLedger appends rows; existing content is never rewritten.
func AppendLedger(path string, rows ...LedgerRow) error {
	// #nosec G302 G304 -- ledger is shared with the pipeline group
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, r := range rows {
		if _, err := w.WriteString(r.String() + "\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("write ledger: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush ledger: %w", err)
	}
	return f.Close()
}

// HasRow reports whether rows already records the clustering decision in r.
func HasRow(rows []LedgerRow, r LedgerRow) bool {
	for _, x := range rows {
		if x.StartUTC == r.StartUTC && x.UTCDir == r.UTCDir && math.Abs(x.CFreq-r.CFreq) < 1e-3 {
			return true
		}
	}
	return false
}

// ChooseUTCDir picks the UTC directory for a file at cfreq starting at
// startMJD. A row whose directory already carries the file's own start UTC
// wins (.rf and .zrf copies of one file); otherwise the file joins the
// closest row whose start or end lies within ClusterTolerance, or starts a
// new directory named after its own start UTC.
func ChooseUTCDir(rows []LedgerRow, cfreq, startMJD float64, startUTC string) string {
	var (
		best     string
		bestDist = math.Inf(1)
	)
	for _, r := range rows {
		if math.Abs(r.CFreq-cfreq) >= 1e-3 {
			continue
		}
		if r.UTCDir == startUTC {
			return startUTC
		}
		dist := math.Min(math.Abs(startMJD-r.EndMJD), math.Abs(startMJD-r.StartMJD))
		if dist < bestDist {
			best, bestDist = r.UTCDir, dist
		}
	}
	if bestDist < ClusterTolerance {
		return best
	}
	return startUTC
}
