package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pqsky/skybridge/pkg/control"
	"github.com/pqsky/skybridge/pkg/handshake"
	"github.com/pqsky/skybridge/pkg/metrics"
)

// statusFileVersion identifies the snapshot layout for external consumers.
const statusFileVersion = 1

// Status is the JSON snapshot written to the status file and returned by
// the command surface.
type Status struct {
	Version   int       `json:"version"`
	Role      string    `json:"role"`
	Suite     string    `json:"suite"`
	State     string    `json:"control_state"`
	SessionID string    `json:"session_id,omitempty"`
	Epoch     uint64    `json:"epoch"`
	HasKeys   bool      `json:"has_keys"`
	UpdatedAt time.Time `json:"updated_at"`
	UptimeS   float64   `json:"uptime_s"`

	Handshake *handshake.Timings `json:"handshake,omitempty"`
	Control   control.Stats      `json:"control"`
	Metrics   metrics.Snapshot   `json:"metrics"`
}

// writeStatusFile persists a snapshot atomically: readers polling the path
// never observe a partial document. The temporary file lives in the target
// directory so the rename stays on one filesystem.
func writeStatusFile(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("status: encode: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".skybridge-status-*")
	if err != nil {
		return fmt.Errorf("status: temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("status: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("status: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("status: rename: %w", err)
	}
	return nil
}
