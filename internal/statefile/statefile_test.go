package statefile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := map[string]int64{"796014x2603x1": 500, "800123x17x0": 125}

	if err := Save(path, in); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	out := map[string]int64{}
	found, err := Load(path, &out)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !found {
		t.Fatalf("expected file to exist")
	}
	if len(out) != len(in) {
		t.Fatalf("unexpected entry count: got %d want %d", len(out), len(in))
	}
	for k, v := range in {
		if out[k] != v {
			t.Fatalf("mismatch for %s: got %d want %d", k, out[k], v)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	out := map[string]int64{}
	found, err := Load(filepath.Join(t.TempDir(), "absent.json"), &out)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if found {
		t.Fatalf("expected found=false for missing file")
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	out := map[string]int64{}
	if _, err := Load(path, &out); err == nil {
		t.Fatalf("expected error for corrupt file")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := Save(path, map[string]int64{"a": 1}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}
