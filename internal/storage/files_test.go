package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFileWriterCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "saves", "site1")
	w, err := NewFileWriter(root)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if info, err := os.Stat(w.Root()); err != nil || !info.IsDir() {
		t.Fatalf("root not created: %v", err)
	}

	if _, err := NewFileWriter(""); err == nil {
		t.Fatal("empty root must fail")
	}
}

func TestSaveCreatesParentsAndWrites(t *testing.T) {
	w, err := NewFileWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	skipped, err := w.Save("gallery/2024/pic.jpg", []byte("bytes"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if skipped {
		t.Fatal("fresh save should not be skipped")
	}

	got, err := os.ReadFile(filepath.Join(w.Root(), "gallery", "2024", "pic.jpg"))
	if err != nil || string(got) != "bytes" {
		t.Fatalf("read back: %q, %v", got, err)
	}

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Join(w.Root(), "gallery", "2024"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stray files in save dir: %v", entries)
	}
}

func TestSaveSkipsExistingFile(t *testing.T) {
	w, err := NewFileWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	if _, err := w.Save("a.txt", []byte("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	skipped, err := w.Save("a.txt", []byte("second"))
	if err != nil {
		t.Fatalf("Save again: %v", err)
	}
	if !skipped {
		t.Fatal("existing file should be skipped")
	}
	got, _ := os.ReadFile(filepath.Join(w.Root(), "a.txt"))
	if string(got) != "first" {
		t.Fatalf("existing content must be untouched, got %q", got)
	}

	if ok, err := w.Exists("a.txt"); err != nil || !ok {
		t.Fatalf("Exists: %v, %v", ok, err)
	}
	if ok, err := w.Exists("b.txt"); err != nil || ok {
		t.Fatalf("Exists for missing file: %v, %v", ok, err)
	}
}

func TestResolveRefusesEscapes(t *testing.T) {
	w, err := NewFileWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	for _, bad := range []string{"", "../outside.txt", "a/../../outside.txt", "/etc/passwd"} {
		if _, err := w.Save(bad, []byte("x")); err == nil {
			t.Errorf("path %q should be refused", bad)
		}
	}

	// dot segments that stay inside the root are fine
	if _, err := w.Save("a/../inside.txt", []byte("x")); err != nil {
		t.Errorf("in-root dot segments should be allowed: %v", err)
	}
}
