package checksum

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSumMatchesFile(t *testing.T) {
	content := []byte("the same bytes either way")
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	fromFile, err := File(path)
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != Sum(content) {
		t.Errorf("File=%s Sum=%s", fromFile, Sum(content))
	}
	if len(fromFile) != 64 {
		t.Errorf("digest length %d", len(fromFile))
	}
}

func TestFileMissing(t *testing.T) {
	if _, err := File(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing file")
	}
}
