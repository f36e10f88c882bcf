package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"leadflow/internal/domain"
)

// ExportSandbox constrains where data-subject export files may be written.
// Export requests carry caller-supplied lead IDs and directories, so every
// output path is resolved and checked against the configured exports root.
type ExportSandbox struct {
	root string // absolute, symlink-resolved exports root
}

// NewExportSandbox roots a sandbox at dir, creating it if needed. The
// directory is created 0700 since export files contain PII.
func NewExportSandbox(dir string) (*ExportSandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve exports root: %w", err)
	}

	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("create exports root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for exports root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat exports root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("exports root %q is not a directory", resolved)
	}

	return &ExportSandbox{root: resolved}, nil
}

// ValidatePath checks that a requested path resolves to within the sandbox.
// It resolves symlinks AFTER computing the absolute path.
func (s *ExportSandbox) ValidatePath(requested string) (string, error) {
	abs, err := filepath.Abs(requested)
	if err != nil {
		return "", domain.NewDomainError("ExportSandbox.ValidatePath", domain.ErrPathEscape, err.Error())
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path doesn't exist yet - validate the parent directory
		parent := filepath.Dir(abs)
		resolvedParent, err2 := filepath.EvalSymlinks(parent)
		if err2 != nil {
			return "", domain.NewDomainError("ExportSandbox.ValidatePath", domain.ErrPathEscape, err2.Error())
		}
		resolved = filepath.Join(resolvedParent, filepath.Base(abs))
	}

	if !s.isWithinRoot(resolved) {
		return "", domain.NewDomainError("ExportSandbox.ValidatePath", domain.ErrPathEscape,
			fmt.Sprintf("resolved %q is outside root %q", resolved, s.root))
	}

	return resolved, nil
}

// Root returns the exports root directory.
func (s *ExportSandbox) Root() string { return s.root }

func (s *ExportSandbox) isWithinRoot(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}
