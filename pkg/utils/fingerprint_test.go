package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileFingerprint(t *testing.T) {
	dir := t.TempDir()

	writeFile := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	a := writeFile("a.mp3", "identical content")
	b := writeFile("b.mp3", "identical content")
	c := writeFile("c.mp3", "different content")

	hashA, err := FileFingerprint(a)
	if err != nil {
		t.Fatalf("fingerprint a: %v", err)
	}
	hashB, err := FileFingerprint(b)
	if err != nil {
		t.Fatalf("fingerprint b: %v", err)
	}
	hashC, err := FileFingerprint(c)
	if err != nil {
		t.Fatalf("fingerprint c: %v", err)
	}

	if hashA != hashB {
		t.Errorf("identical content produced different fingerprints: %s vs %s", hashA, hashB)
	}
	if hashA == hashC {
		t.Errorf("different content produced equal fingerprints: %s", hashA)
	}
	if len(hashA) != 64 {
		t.Errorf("fingerprint length = %d; want 64 hex chars", len(hashA))
	}
}

func TestFileFingerprintMissingFile(t *testing.T) {
	if _, err := FileFingerprint(filepath.Join(t.TempDir(), "absent.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}
