// Package statefile persists the per-controller state maps as JSON files.
// Every save goes through a temp file and rename so a crash mid-write never
// replaces the canonical file with a partial one.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads the JSON map at path into out. A missing file is not an error;
// found reports whether the file existed.
func Load(path string, out any) (found bool, err error) {
	if path == "" {
		return false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return true, nil
}

// Save atomically replaces the file at path with the JSON encoding of in.
func Save(path string, in any) error {
	if path == "" {
		return errors.New("state file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
