package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileSourceArray(t *testing.T) {
	path := writeFile(t, "morning_batch.json", `[
		{"prescription_id": "RX-1", "patient_tc": "10000000146", "diagnosis_code": "I10"},
		{"prescription_id": "RX-2", "patient_tc": "10000000146", "diagnosis_code": "E11"}
	]`)

	src, err := NewFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if src.Tag() != "morning_batch" {
		t.Errorf("tag = %q, want morning_batch", src.Tag())
	}

	items, err := ReadAll(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].ID != "RX-1" || items[1].ID != "RX-2" {
		t.Errorf("ids = %s, %s", items[0].ID, items[1].ID)
	}
}

func TestFileSourceEnvelope(t *testing.T) {
	path := writeFile(t, "portal.json", `{
		"exported_at": "2026-03-14T10:00:00Z",
		"prescriptions": [
			{"prescription_id": "RX-9", "patient_tc": "10000000146", "diagnosis_code": "I10"}
		]
	}`)

	src, err := NewFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	items, err := ReadAll(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "RX-9" {
		t.Fatalf("items = %v", items)
	}
}

func TestFileSourceEmptyArray(t *testing.T) {
	src, err := NewFileSource(writeFile(t, "empty.json", `[]`))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	items, err := ReadAll(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}

func TestFileSourceMalformed(t *testing.T) {
	src, err := NewFileSource(writeFile(t, "bad.json", `{"no_array": true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if _, err := ReadAll(context.Background(), src); err == nil {
		t.Error("expected an error for a file without a prescriptions array")
	}
}

func TestFileSourceUnknownKeysPreserved(t *testing.T) {
	path := writeFile(t, "extras.json", `[
		{"prescription_id": "RX-1", "patient_tc": "10000000146", "diagnosis_code": "I10",
		 "portal_ref": "ABC-123"}
	]`)

	src, err := NewFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	items, err := ReadAll(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := items[0].Extras["portal_ref"]; !ok {
		t.Error("unknown key portal_ref must survive decoding")
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	if _, err := NewFileSource("/nonexistent/nope.json"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestFileSourceCancelledContext(t *testing.T) {
	src, err := NewFileSource(writeFile(t, "a.json", `[{"prescription_id": "RX-1"}]`))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); err == nil {
		t.Error("cancelled context must surface an error")
	}
}
