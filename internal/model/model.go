// Package model checks that the recognition model bundle is present before
// the service starts accepting streams.
package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const downloadHint = "https://alphacephei.com/vosk/models"

// ErrModelMissing is returned when the configured bundle path does not exist.
var ErrModelMissing = errors.New("model bundle missing")

// Bundle is a verified, read-only model location shared by every session.
type Bundle struct {
	Path string
}

// Verify resolves path and checks that it names an existing directory.
func Verify(path string) (Bundle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("resolve model path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Bundle{}, fmt.Errorf("%w: please download a model from %s and unpack it as %s", ErrModelMissing, downloadHint, path)
		}
		return Bundle{}, fmt.Errorf("stat model path %s: %w", path, err)
	}
	if !info.IsDir() {
		return Bundle{}, fmt.Errorf("%w: %s is not a directory", ErrModelMissing, path)
	}
	return Bundle{Path: abs}, nil
}
