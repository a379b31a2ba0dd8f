// Package pipeconfig reads the flat KEY value pipeline configuration and the
// per-source DM, RM and decimation tables it points at.
package pipeconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Parse reads "KEY value # comment" lines. Blank lines and lines starting
// with '#' are skipped; surrounding quotes are stripped from values. A key
// without a value maps to "".
func Parse(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(stripComment(line))
		if line == "" {
			continue
		}
		key, val := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			key, val = line[:i], line[i+1:]
		}
		values[key] = unquote(strings.TrimSpace(val))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config line %d: %w", lineNo, err)
	}
	return values, nil
}

// ParseFile is Parse on a file path.
func ParseFile(path string) (map[string]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator supplied config path
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// stripComment drops everything from the first '#' outside quotes.
func stripComment(line string) string {
	var quote rune
	for i, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '#':
			return line[:i]
		}
	}
	return line
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

// readTable reads "SOURCE value" lines; the value is the rest of the line.
// When splitValue is set, a value is cut at the first whitespace or comma
// (DM and RM tables may use either separator).
func readTable(path string, splitValue bool) (map[string]string, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from pipeline config
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}
		var source, value string
		if splitValue {
			fields := strings.FieldsFunc(line, func(r rune) bool {
				return r == ',' || r == ' ' || r == '\t'
			})
			if len(fields) < 2 {
				return nil, fmt.Errorf("%s: malformed line %q", path, line)
			}
			source, value = fields[0], fields[1]
		} else {
			i := strings.IndexAny(line, " \t")
			if i < 0 {
				return nil, fmt.Errorf("%s: malformed line %q", path, line)
			}
			source, value = line[:i], strings.TrimSpace(line[i+1:])
		}
		out[source] = unquote(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read table %s: %w", path, err)
	}
	return out, nil
}
