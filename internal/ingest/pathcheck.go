package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideBaseDir is returned when a source path escapes the allowed directory
var ErrOutsideBaseDir = errors.New("source path is outside the allowed base directory")

// ValidatePath resolves sourcePath (following symlinks) and checks that it
// lies within baseDir. It returns the resolved path.
func ValidatePath(sourcePath, baseDir string) (string, error) {
	resolved, err := resolve(sourcePath)
	if err != nil {
		return "", fmt.Errorf("cannot resolve source path: %w", err)
	}
	base, err := resolve(baseDir)
	if err != nil {
		return "", fmt.Errorf("cannot resolve base directory: %w", err)
	}

	rel, err := filepath.Rel(base, resolved)
	if err != nil {
		return "", fmt.Errorf("cannot compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBaseDir, sourcePath)
	}
	return resolved, nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// ValidatePathExists checks that path names an existing regular file
func ValidatePathExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("source file is not accessible: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source path is not a regular file: %s", path)
	}
	return nil
}
