// Package archive reads observation metadata from pulsar archive files.
package archive

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

// Header is the subset of archive metadata the pipeline records.
type Header struct {
	Path      string
	NChan     int
	NSubint   int
	NBin      int
	NPol      int
	CFreq     float64
	BW        float64
	Source    string
	Backend   string
	Telescope string
	ObsType   string
	StartMJD  float64
	EndMJD    float64
	FileSize  int64
}

// Reader loads archive headers.
type Reader interface {
	ReadHeader(ctx context.Context, path string) (*Header, error)
}

// vapColumns is the field list requested from vap, in output order.
var vapColumns = []string{
	"nchan", "nsub", "nbin", "npol", "freq", "bw", "name", "be", "site", "type",
	"stt_imjd", "stt_smjd", "stt_offs", "length",
}

// VapReader reads headers with psrchive's vap.
type VapReader struct {
	Runner toolrun.Runner
}

func (r *VapReader) ReadHeader(ctx context.Context, path string) (*Header, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	out, err := r.Runner.Run(ctx, "vap", "-n", "-c", strings.Join(vapColumns, ","), path)
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	h, err := ParseVap(out)
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	h.Path = path
	h.FileSize = info.Size()
	return h, nil
}

// ParseVap parses one data line of `vap -n -c <vapColumns>` output. The first
// field is the file name.
func ParseVap(out string) (*Header, error) {
	var fields []string
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) == 0 || f[0] == "filename" {
			continue
		}
		fields = f
		break
	}
	if len(fields) != len(vapColumns)+1 {
		return nil, fmt.Errorf("unexpected vap output: want %d fields, got %d", len(vapColumns)+1, len(fields))
	}
	v := fields[1:]

	p := &parser{}
	h := &Header{
		NChan:     p.int(v[0], "nchan"),
		NSubint:   p.int(v[1], "nsub"),
		NBin:      p.int(v[2], "nbin"),
		NPol:      p.int(v[3], "npol"),
		CFreq:     p.float(v[4], "freq"),
		BW:        p.float(v[5], "bw"),
		Source:    v[6],
		Backend:   v[7],
		Telescope: v[8],
		ObsType:   v[9],
	}
	imjd := p.float(v[10], "stt_imjd")
	smjd := p.float(v[11], "stt_smjd")
	offs := p.float(v[12], "stt_offs")
	length := p.float(v[13], "length")
	if p.err != nil {
		return nil, p.err
	}

	h.StartMJD = imjd + (smjd+offs)/86400.0
	h.EndMJD = h.StartMJD + length/86400.0
	return h, nil
}

type parser struct{ err error }

func (p *parser) int(s, name string) int {
	n, err := strconv.Atoi(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s %q: %w", name, s, err)
	}
	return n
}

func (p *parser) float(s, name string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s %q: %w", name, s, err)
	}
	return f
}

// Chunk builds an unsaved chunk from the header.
func (h *Header) Chunk(originalFile, symFile, startUTC string) *obsstore.ObservationChunk {
	return &obsstore.ObservationChunk{
		NChan:        h.NChan,
		NSubint:      h.NSubint,
		NBin:         h.NBin,
		NPol:         h.NPol,
		CFreq:        h.CFreq,
		BW:           h.BW,
		FileSize:     h.FileSize,
		Source:       h.Source,
		Backend:      h.Backend,
		Telescope:    h.Telescope,
		StartMJD:     h.StartMJD,
		EndMJD:       h.EndMJD,
		StartUTC:     startUTC,
		ObsType:      h.ObsType,
		OriginalFile: originalFile,
		SymFile:      symFile,
	}
}

var mjdEpoch = time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)

// UTCLayout is the pipeline's UTC directory format.
const UTCLayout = "2006-01-02-15:04:05"

// MJDToTime converts a modified Julian date to UTC, to microsecond precision.
func MJDToTime(mjd float64) time.Time {
	days := math.Floor(mjd)
	micros := math.Round((mjd - days) * 86400e6)
	return mjdEpoch.AddDate(0, 0, int(days)).Add(time.Duration(micros) * time.Microsecond)
}

// UTCString formats an MJD as the pipeline's UTC directory name. Fractional
// seconds are truncated.
func UTCString(mjd float64) string {
	return MJDToTime(mjd).Format(UTCLayout)
}
