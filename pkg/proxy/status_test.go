package proxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pqsky/skybridge/pkg/metrics"
)

func TestWriteStatusFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	c := metrics.NewCollector(nil)
	c.RecordEncryptedOut(99)

	st := Status{
		Version:   statusFileVersion,
		Role:      "drone",
		Suite:     "cs-mlkem768-aesgcm-mldsa65",
		State:     "IDLE",
		Epoch:     3,
		HasKeys:   true,
		UpdatedAt: time.Now().UTC(),
		Metrics:   c.Snapshot(),
	}
	if err := writeStatusFile(path, st); err != nil {
		t.Fatalf("writeStatusFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got Status
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("status file is not JSON: %v", err)
	}
	if got.Epoch != 3 || got.Suite != st.Suite || !got.HasKeys {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Metrics.EncryptedOutBytes != 99 {
		t.Errorf("metrics not embedded: %+v", got.Metrics)
	}

	// Overwrites must leave no temporary droppings behind.
	st.Epoch = 4
	if err := writeStatusFile(path, st); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the status file", len(entries))
	}
}

func TestWriteStatusFileBadDirectory(t *testing.T) {
	err := writeStatusFile(filepath.Join(t.TempDir(), "missing", "status.json"), Status{})
	if err == nil {
		t.Error("expected error for unwritable directory")
	}
}
