// Package sandbox confines file operations to one root directory.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	ErrPathEscapesSandbox = errors.New("path escapes sandbox")
	ErrIsDirectory        = errors.New("path is a directory")
	ErrRootProtected      = errors.New("refusing to modify sandbox root")
)

// FileEntry describes one directory entry.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Sandbox resolves caller paths relative to Root. Paths are treated as
// relative even when they start with "/".
type Sandbox struct {
	Root string
}

func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	// symlinks in the root itself are trusted
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Sandbox{Root: abs}, nil
}

// Resolve maps a caller path to an absolute path inside Root. A path whose
// lexical form climbs above the root, or that names a symlink pointing
// outside it, is rejected.
func (s *Sandbox) Resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesSandbox, p)
	}
	clean := filepath.Clean("/" + filepath.ToSlash(p))
	rel := strings.TrimPrefix(clean, "/")
	if hasDotDot(p) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesSandbox, p)
	}
	if real, err := filepath.EvalSymlinks(filepath.Join(s.Root, rel)); err == nil && !s.contains(real) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesSandbox, p)
	}
	full, err := securejoin.SecureJoin(s.Root, rel)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	if !s.contains(full) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesSandbox, p)
	}
	return full, nil
}

func hasDotDot(p string) bool {
	for _, seg := range strings.FieldsFunc(filepath.ToSlash(p), func(r rune) bool { return r == '/' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func (s *Sandbox) contains(full string) bool {
	rel, err := filepath.Rel(s.Root, full)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (s *Sandbox) relative(full string) string {
	rel, err := filepath.Rel(s.Root, full)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// List returns the entries of a directory, directories first.
func (s *Sandbox) List(p string) ([]FileEntry, error) {
	dir, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, FileEntry{
			Name:    de.Name(),
			Path:    s.relative(filepath.Join(dir, de.Name())),
			Dir:     de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dir != out[j].Dir {
			return out[i].Dir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Read returns a file's contents.
func (s *Sandbox) Read(p string) ([]byte, error) {
	full, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	return os.ReadFile(full)
}

// Write replaces a file atomically, creating parent directories. An existing
// file keeps its permissions.
func (s *Sandbox) Write(p string, data []byte) error {
	full, err := s.Resolve(p)
	if err != nil {
		return err
	}
	if full == s.Root {
		return ErrRootProtected
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%w: %s", ErrIsDirectory, p)
		}
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), full)
}

// Delete removes a file or a directory tree. The root itself cannot be deleted.
func (s *Sandbox) Delete(p string) error {
	full, err := s.Resolve(p)
	if err != nil {
		return err
	}
	if full == s.Root {
		return ErrRootProtected
	}
	if _, err := os.Lstat(full); err != nil {
		return err
	}
	return os.RemoveAll(full)
}
