package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func readAll(t *testing.T, path string) string {
	t.Helper()
	f, err := OpenScoped(path)
	if err != nil {
		t.Fatalf("OpenScoped(%q): %v", path, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestOpenScoped_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "companies.csv")
	if err := os.WriteFile(p, []byte("Domain\nacme.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if got := readAll(t, p); got != "Domain\nacme.com\n" {
		t.Fatalf("unexpected content: %q", got)
	}
	if got := readAll(t, filepath.Join(dir, ".", "companies.csv")); got != "Domain\nacme.com\n" {
		t.Fatalf("unnormalized path: unexpected content: %q", got)
	}
}

func TestOpenScoped_RelativePath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "in.csv"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	if got := readAll(t, "in.csv"); got != "x" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestOpenScoped_Rejects(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatal(err)
	}

	for name, p := range map[string]string{
		"empty":     "",
		"dot":       ".",
		"root":      string(filepath.Separator),
		"directory": filepath.Join(dir, "sub"),
		"missing":   filepath.Join(dir, "missing.csv"),
		"no dir":    filepath.Join(dir, "nodir", "f.csv"),
	} {
		t.Run(name, func(t *testing.T) {
			if f, err := OpenScoped(p); err == nil {
				f.Close()
				t.Fatalf("expected error for %q", p)
			}
		})
	}
}

func TestOpenScoped_SymlinkEscape(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if f, err := OpenScoped(link); err == nil {
		f.Close()
		t.Fatal("expected symlink outside the directory to be rejected")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "out.csv")

	if err := WriteFileAtomic(p, []byte("first"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(p, []byte("second"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}
	if got := readAll(t, p); got != "second" {
		t.Fatalf("unexpected content: %q", got)
	}

	entries, err := os.ReadDir(filepath.Dir(p))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, got %d entries", len(entries))
	}
}
