package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// maxTemplateBytes bounds a single view template read from disk.
const maxTemplateBytes = 1 << 20

// Sandbox constrains view template lookups to a configured root directory.
type Sandbox struct {
	root string
}

// NewSandbox initializes a sandbox rooted at the provided directory. The root
// must exist and be a directory so ".." and symlink escapes can be detected.
func NewSandbox(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the canonical sandbox directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve normalizes the template path and ensures it stays inside the
// sandbox root after symlink evaluation.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." || cleaned == "" {
		return s.root, nil
	}
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(s.root, cleaned)
	}
	cleaned = filepath.Clean(cleaned)
	evaluated, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		// A missing target still reports traversal first.
		if errors.Is(err, os.ErrNotExist) && !s.contains(cleaned) {
			return "", fmt.Errorf("templates: path %q escapes sandbox", path)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.contains(evaluated) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	return evaluated, nil
}

// ReadFile resolves path and returns its contents together with the resolved
// location. Directories and files above maxTemplateBytes are rejected.
func (s *Sandbox) ReadFile(path string) ([]byte, string, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return nil, "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("templates: stat %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("templates: %q is a directory", path)
	}
	if info.Size() > maxTemplateBytes {
		return nil, "", fmt.Errorf("templates: %q exceeds %d bytes", path, maxTemplateBytes)
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("templates: read %q: %w", path, err)
	}
	return contents, resolved, nil
}

func (s *Sandbox) contains(candidate string) bool {
	sandbox := s.root
	if runtime.GOOS == "windows" {
		sandbox = strings.ToLower(sandbox)
		candidate = strings.ToLower(candidate)
	}
	if sandbox == candidate {
		return true
	}
	if !strings.HasSuffix(sandbox, string(os.PathSeparator)) {
		sandbox += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, sandbox)
}
