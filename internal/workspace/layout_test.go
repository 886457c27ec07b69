package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitProjectCreatesSkeleton(t *testing.T) {
	t.Parallel()

	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	dir, err := l.InitProject("p1")
	if err != nil {
		t.Fatalf("InitProject: %v", err)
	}
	for _, sub := range []string{"datasets", "runs", "models", "exports"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Fatalf("subdir %q missing: %v", sub, err)
		}
	}
}

func TestInitRunCreatesSkeleton(t *testing.T) {
	t.Parallel()

	l, _ := NewLayout(t.TempDir())
	dir, err := l.InitRun("p1", "r1")
	if err != nil {
		t.Fatalf("InitRun: %v", err)
	}
	for _, sub := range []string{"artifacts", "model"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Fatalf("subdir %q missing: %v", sub, err)
		}
	}
}

func TestValidateIDRejectsTraversal(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../escape", "a/.."} {
		if err := ValidateID(id); err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", id)
		}
	}
	if err := ValidateID("f81d4fae-7dec-11d0-a765-00a0c91e6bf6"); err != nil {
		t.Errorf("ValidateID(uuid) = %v", err)
	}
}

func TestCopyTree(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("beta"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "copy")
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "nested", "b.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "beta" {
		t.Fatalf("copied content = %q", got)
	}

	// The copy must be independent of the source.
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("mutated"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, _ = os.ReadFile(filepath.Join(dst, "a.txt"))
	if string(got) != "alpha" {
		t.Fatalf("copy should not track source, got %q", got)
	}
}
