package resolver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPlaceInRunDirHardlinksArchiveSuffix(t *testing.T) {
	srcDir := t.TempDir()
	runDir := t.TempDir()
	src := filepath.Join(srcDir, "payload.apk")
	if err := os.WriteFile(src, []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst, err := PlaceInRunDir(runDir, "app.apk", src)
	if err != nil {
		t.Fatalf("PlaceInRunDir failed: %v", err)
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(srcInfo, dstInfo) {
		t.Fatalf("expected %s to be hardlinked to %s", dst, src)
	}
}

func TestPlaceInRunDirCopiesNonArchiveSuffix(t *testing.T) {
	srcDir := t.TempDir()
	runDir := t.TempDir()
	src := filepath.Join(srcDir, "notes.txt")
	if err := os.WriteFile(src, []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst, err := PlaceInRunDir(runDir, "notes.txt", src)
	if err != nil {
		t.Fatalf("PlaceInRunDir failed: %v", err)
	}

	srcInfo, _ := os.Stat(src)
	dstInfo, _ := os.Stat(dst)
	if os.SameFile(srcInfo, dstInfo) {
		t.Fatalf("expected a copy, not a hardlink, for a non-archive suffix")
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "notes" {
		t.Fatalf("copied content mismatch: %v %q", err, data)
	}
}

func TestPlaceInRunDirRejectsEscapingTag(t *testing.T) {
	srcDir := t.TempDir()
	runDir := t.TempDir()
	src := filepath.Join(srcDir, "evil.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := PlaceInRunDir(runDir, "../../etc/passwd", src)
	if err == nil {
		t.Fatal("expected a cross-root validation error for an escaping tag")
	}
}
