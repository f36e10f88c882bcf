package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"leadflow/internal/domain"
)

func newTestExportRoot(t *testing.T) (string, *ExportSandbox) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sandbox, err := NewExportSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, sandbox
}

func TestExportSandboxValidPath(t *testing.T) {
	dir, sandbox := newTestExportRoot(t)

	exportFile := filepath.Join(dir, "lead-01JEXPORT.json")
	if err := os.WriteFile(exportFile, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}

	resolved, err := sandbox.ValidatePath(exportFile)
	if err != nil {
		t.Errorf("valid path should pass: %v", err)
	}
	if resolved != exportFile {
		t.Errorf("resolved = %q, want %q", resolved, exportFile)
	}
}

func TestExportSandboxTraversal(t *testing.T) {
	dir, sandbox := newTestExportRoot(t)

	tests := []string{
		filepath.Join(dir, "..", "etc", "passwd"),
		"/etc/passwd",
		filepath.Join(dir, "..", "..", "root", ".ssh"),
	}

	for _, path := range tests {
		_, err := sandbox.ValidatePath(path)
		if !errors.Is(err, domain.ErrPathEscape) {
			t.Errorf("path %q: expected ErrPathEscape, got %v", path, err)
		}
	}
}

func TestExportSandboxNewFile(t *testing.T) {
	dir, sandbox := newTestExportRoot(t)

	// Export files are validated before they exist
	newFile := filepath.Join(dir, "lead-01JNOTYET.json")
	resolved, err := sandbox.ValidatePath(newFile)
	if err != nil {
		t.Errorf("new file under root should pass: %v", err)
	}
	if resolved != newFile {
		t.Errorf("resolved = %q, want %q", resolved, newFile)
	}
}

func TestExportSandboxSymlinkEscape(t *testing.T) {
	dir, sandbox := newTestExportRoot(t)

	outsideDir := t.TempDir()
	symlink := filepath.Join(dir, "escape")
	if err := os.Symlink(outsideDir, symlink); err != nil {
		t.Skip("cannot create symlinks")
	}

	_, err := sandbox.ValidatePath(filepath.Join(symlink, "lead.json"))
	if !errors.Is(err, domain.ErrPathEscape) {
		t.Errorf("symlink escape: expected ErrPathEscape, got %v", err)
	}
}

func TestNewExportSandboxCreatesRoot(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(base, "data", "exports")

	sandbox, err := NewExportSandbox(root)
	if err != nil {
		t.Fatalf("NewExportSandbox: %v", err)
	}
	if sandbox.Root() != root {
		t.Errorf("Root() = %q, want %q", sandbox.Root(), root)
	}

	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("permissions = %o, want 0700", perm)
	}
}

func TestNewExportSandboxNotDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notadir.txt")
	if err := os.WriteFile(file, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewExportSandbox(file); err == nil {
		t.Error("expected error for regular file")
	}
}

func TestExportSandboxRootItself(t *testing.T) {
	dir, sandbox := newTestExportRoot(t)

	resolved, err := sandbox.ValidatePath(dir)
	if err != nil {
		t.Errorf("root path should be valid: %v", err)
	}
	if resolved != dir {
		t.Errorf("resolved = %q, want %q", resolved, dir)
	}
}

func TestExportSandboxParentNotExist(t *testing.T) {
	dir, sandbox := newTestExportRoot(t)

	deepPath := filepath.Join(dir, "missing_parent", "lead.json")
	_, err := sandbox.ValidatePath(deepPath)
	if !errors.Is(err, domain.ErrPathEscape) {
		t.Errorf("expected ErrPathEscape, got %v", err)
	}
}

func TestNewExportSandboxSymlinkRoot(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	linkBase := t.TempDir()
	symlink := filepath.Join(linkBase, "link_to_exports")
	if err := os.Symlink(dir, symlink); err != nil {
		t.Skip("cannot create symlinks")
	}

	sandbox, err := NewExportSandbox(symlink)
	if err != nil {
		t.Fatalf("NewExportSandbox with symlink: %v", err)
	}

	// Root is the resolved path, not the symlink
	if sandbox.Root() != dir {
		t.Errorf("Root() = %q, want %q", sandbox.Root(), dir)
	}
}
