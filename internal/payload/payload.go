// Package payload reads and writes cached function results as JSON files.
// Writes are staged: the value is encoded into a uuid-named temp file in the
// same directory, fsynced, then renamed into place so readers never observe
// a half-written payload.
package payload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// envelope wraps the cached value so a payload file is self-describing.
type envelope struct {
	Function string `json:"function"`
	Value    any    `json:"value"`
}

// Write stores value for function under dir/name.
func Write(dir, name, function string, value any) error {
	data, err := json.Marshal(envelope{Function: function, Value: value})
	if err != nil {
		return fmt.Errorf("payload: encode %s: %w", function, err)
	}

	staging := filepath.Join(dir, uuid.NewString()+".tmp")
	f, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("payload: create staging file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(staging)
		return fmt.Errorf("payload: write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staging)
		return fmt.Errorf("payload: sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return fmt.Errorf("payload: close staging file: %w", err)
	}

	if err := os.Rename(staging, filepath.Join(dir, name)); err != nil {
		os.Remove(staging)
		return fmt.Errorf("payload: place %s: %w", name, err)
	}
	return nil
}

// Read loads the value stored under dir/name. ok is false when the file is
// missing or unreadable as a payload; a damaged payload is a cache miss, not
// an error.
func Read(dir, name string) (value any, ok bool) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	return env.Value, true
}

// Remove deletes the payload file, ignoring files already gone.
func Remove(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payload: remove %s: %w", name, err)
	}
	return nil
}
