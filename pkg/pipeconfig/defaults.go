package pipeconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFileName is the configuration written by init.
const DefaultFileName = "default.cfg"

// RootPlaceholder is replaced with the pipeline root when a configuration
// template is written out.
const RootPlaceholder = "<ROOT_OUTPUT_DIR>"

// WriteDefault renders template for root into <root>/default.cfg and
// returns its path. An existing file is left alone.
func WriteDefault(root string, template []byte) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	dest := filepath.Join(abs, DefaultFileName)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if len(template) == 0 {
		return "", errors.New("empty configuration template")
	}
	content := bytes.ReplaceAll(template, []byte(RootPlaceholder), []byte(abs))
	// #nosec G306 -- config is meant to be shared and edited by the pipeline group
	if err := os.WriteFile(dest, content, 0644); err != nil {
		return "", fmt.Errorf("write default config: %w", err)
	}
	return dest, nil
}
