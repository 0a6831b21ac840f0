package agent

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/role"
)

// maxSearchFileSize caps the files the text search will scan. Larger
// files are skipped rather than loaded into memory.
const maxSearchFileSize = 4 << 20

// Violation records a denied capability attempt. Violations are recorded
// rather than fatal: the invocation continues, and the coordinator logs
// them as failure entries in the session context.
type Violation struct {
	Capability role.Capability `json:"capability"`
	Detail     string          `json:"detail"`
	Time       time.Time       `json:"time"`
}

// Match is a single text search hit.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Toolset is the capability-checked gateway through which a role touches
// the workspace. Every operation is gated on the role's contract; denied
// operations return an error matching errors.ErrUnauthorized and are
// recorded, never escalated to a crash.
//
// All paths are relative to the workspace root. Paths that resolve
// outside the root are rejected regardless of capabilities.
type Toolset struct {
	root     string
	contract role.Contract

	mu         sync.Mutex
	violations []Violation
}

// NewToolset creates a toolset rooted at the given workspace directory,
// enforcing the given role contract.
func NewToolset(root string, contract role.Contract) (*Toolset, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, errors.NewValidationError(fmt.Sprintf("workspace root '%s' is not a directory", root))
	}
	return &Toolset{root: abs, contract: contract}, nil
}

// Role returns the name of the role the toolset enforces.
func (t *Toolset) Role() string {
	return t.contract.Name
}

// Violations returns the denied capability attempts recorded so far.
func (t *Toolset) Violations() []Violation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Violation, len(t.violations))
	copy(out, t.violations)
	return out
}

// ReadFile returns the contents of a workspace file.
func (t *Toolset) ReadFile(relPath string) ([]byte, error) {
	if err := t.authorize(role.CapabilityRead, relPath); err != nil {
		return nil, err
	}
	full, err := t.resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("file", relPath)
		}
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	return data, nil
}

// SearchText scans workspace files for lines matching the given regular
// expression. Hidden directories and oversized files are skipped.
func (t *Toolset) SearchText(pattern string) ([]Match, error) {
	if err := t.authorize(role.CapabilitySearchText, pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid search pattern '%s'", pattern)).WithCause(err)
	}

	var matches []Match
	err = t.walkFiles(func(rel string, info fs.FileInfo) error {
		if info.Size() > maxSearchFileSize {
			return nil
		}
		data, err := os.ReadFile(filepath.Join(t.root, rel))
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, Match{Path: rel, Line: i + 1, Text: line})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search workspace: %w", err)
	}
	return matches, nil
}

// SearchGlob returns the workspace-relative paths of files matching the
// glob pattern. Patterns starting with "**/" match against every path
// suffix, so "**/*.tsx" finds files at any depth.
func (t *Toolset) SearchGlob(pattern string) ([]string, error) {
	if err := t.authorize(role.CapabilitySearchGlob, pattern); err != nil {
		return nil, err
	}

	var paths []string
	err := t.walkFiles(func(rel string, _ fs.FileInfo) error {
		ok, err := matchGlob(pattern, rel)
		if err != nil {
			return err
		}
		if ok {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to match glob '%s': %w", pattern, err)
	}
	return paths, nil
}

// WriteNewFile creates a file that must not already exist. Parent
// directories are created as needed.
func (t *Toolset) WriteNewFile(relPath string, data []byte) error {
	if err := t.authorize(role.CapabilityWriteNewFile, relPath); err != nil {
		return err
	}
	full, err := t.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", relPath, err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errors.NewValidationError(fmt.Sprintf("file '%s' already exists", relPath)).WithField("path")
		}
		return fmt.Errorf("failed to create %s: %w", relPath, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	return f.Sync()
}

// EditFile replaces the contents of a file that must already exist.
func (t *Toolset) EditFile(relPath string, data []byte) error {
	if err := t.authorize(role.CapabilityEditExistingFile, relPath); err != nil {
		return err
	}
	full, err := t.resolve(relPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("file", relPath)
		}
		return fmt.Errorf("failed to stat %s: %w", relPath, err)
	}
	if err := os.WriteFile(full, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to edit %s: %w", relPath, err)
	}
	return nil
}

// Execute runs a shell command in the workspace root and returns its
// combined output. The command inherits ctx, so coordinator timeouts
// apply.
func (t *Toolset) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := t.authorize(role.CapabilityExecuteShell, name); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.NewValidationError("command name cannot be empty").WithField("name")
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = t.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("command %s failed: %w", name, err)
	}
	return out, nil
}

// authorize gates an operation on the contract. Denied attempts are
// recorded before returning the unauthorized error.
func (t *Toolset) authorize(capability role.Capability, detail string) error {
	if t.contract.Allows(capability) {
		return nil
	}

	t.mu.Lock()
	t.violations = append(t.violations, Violation{
		Capability: capability,
		Detail:     detail,
		Time:       time.Now().UTC(),
	})
	t.mu.Unlock()

	return errors.NewRoleError("capability denied", errors.ErrUnauthorized).
		WithRole(t.contract.Name).
		WithCapability(string(capability))
}

// resolve turns a workspace-relative path into an absolute one, rejecting
// paths that escape the root.
func (t *Toolset) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.NewValidationError("path cannot be empty").WithField("path")
	}
	if filepath.IsAbs(relPath) {
		return "", errors.NewValidationError(fmt.Sprintf("path '%s' must be workspace-relative", relPath)).WithField("path")
	}
	full := filepath.Join(t.root, relPath)
	if full != t.root && !strings.HasPrefix(full, t.root+string(filepath.Separator)) {
		return "", errors.NewValidationError(fmt.Sprintf("path '%s' escapes the workspace", relPath)).WithField("path")
	}
	return full, nil
}

// walkFiles visits every regular file under the root, passing
// slash-separated relative paths. Hidden directories are skipped.
func (t *Toolset) walkFiles(visit func(rel string, info fs.FileInfo) error) error {
	return filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != t.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return nil
		}
		return visit(filepath.ToSlash(rel), info)
	})
}

// matchGlob matches a slash-separated path against a glob pattern. A
// leading "**/" matches the remainder against every path suffix.
func matchGlob(pattern, p string) (bool, error) {
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		parts := strings.Split(p, "/")
		for i := range parts {
			ok, err := path.Match(rest, strings.Join(parts[i:], "/"))
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	return path.Match(pattern, p)
}
