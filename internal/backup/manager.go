// Package backup creates, lists, restores and prunes tar.gz archives of the
// server directory.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrServerRunning = errors.New("server is running")
	ErrNotFound      = errors.New("backup not found")
	ErrInvalidName   = errors.New("invalid backup name")
	ErrCorrupt       = errors.New("backup archive is corrupt")
	ErrBusy          = errors.New("another backup operation is in progress")
)

const suffix = ".tar.gz"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*\.tar\.gz$`)

// Info describes one archive.
type Info struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Options configures a Manager.
type Options struct {
	// Source is the server directory being archived.
	Source string
	// Dir holds the archives. It may live inside Source; it is then skipped.
	Dir string
	// Keep is the number of archives retained after Create; 0 keeps all.
	Keep int
	// Exclude lists slash-separated paths relative to Source that are not archived.
	Exclude []string
	// Running reports whether the server is up; Restore refuses while it is.
	Running func() bool
	Now     func() time.Time
}

// Manager owns the backup directory. Operations are serialized.
type Manager struct {
	opts Options
	mu   sync.Mutex
}

func New(opts Options) (*Manager, error) {
	if opts.Source == "" || opts.Dir == "" {
		return nil, errors.New("backup: source and dir are required")
	}
	var err error
	if opts.Source, err = filepath.Abs(opts.Source); err != nil {
		return nil, err
	}
	if opts.Dir, err = filepath.Abs(opts.Dir); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Running == nil {
		opts.Running = func() bool { return false }
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{opts: opts}, nil
}

// ValidName reports whether name is an acceptable archive file name.
func ValidName(name string) bool { return namePattern.MatchString(name) }

func (m *Manager) lock() error {
	if !m.mu.TryLock() {
		return ErrBusy
	}
	return nil
}

// skipped reports paths that never go into an archive.
func (m *Manager) skipped(rel string) bool {
	if inner, err := filepath.Rel(m.opts.Source, m.opts.Dir); err == nil && !strings.HasPrefix(inner, "..") {
		if rel == filepath.ToSlash(inner) {
			return true
		}
	}
	for _, ex := range m.opts.Exclude {
		ex = strings.Trim(ex, "/")
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

// Create archives the server directory. label is optional and becomes part
// of the file name.
func (m *Manager) Create(ctx context.Context, label string) (Info, error) {
	if err := m.lock(); err != nil {
		return Info{}, err
	}
	defer m.mu.Unlock()

	now := m.opts.Now().UTC()
	name := "backup-" + now.Format("20060102-150405")
	if label = strings.TrimSpace(label); label != "" {
		name += "-" + label
	}
	name += suffix
	if !ValidName(name) {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dst := filepath.Join(m.opts.Dir, name)
	if _, err := os.Stat(dst); err == nil {
		return Info{}, fmt.Errorf("%w: %s already exists", ErrInvalidName, name)
	}

	tmp, err := os.CreateTemp(m.opts.Dir, ".creating-*")
	if err != nil {
		return Info{}, err
	}
	defer os.Remove(tmp.Name())
	h := sha256.New()
	if err := writeTarGz(ctx, io.MultiWriter(tmp, h), m.opts.Source, m.skipped); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("archive %s: %w", m.opts.Source, err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Info{}, err
	}
	st, err := os.Stat(dst)
	if err != nil {
		return Info{}, err
	}
	info := Info{Name: name, Size: st.Size(), SHA256: hex.EncodeToString(h.Sum(nil)), CreatedAt: now}

	idx, err := LoadIndex(m.opts.Dir)
	if err != nil {
		return Info{}, err
	}
	idx.Put(IndexEntry{Name: name, SHA256: info.SHA256, Size: info.Size, Created: now})
	if err := idx.Save(); err != nil {
		return Info{}, err
	}
	log.Info().Str("name", name).Int64("size", info.Size).Msg("backup created")

	if m.opts.Keep > 0 {
		if _, err := m.prune(idx); err != nil {
			log.Warn().Err(err).Msg("backup retention")
		}
	}
	return info, nil
}

// List returns archives newest first. Archives missing from the index are
// listed with their file time and no checksum.
func (m *Manager) List() ([]Info, error) {
	idx, err := LoadIndex(m.opts.Dir)
	if err != nil {
		return nil, err
	}
	return m.list(idx)
}

func (m *Manager) list(idx *Index) ([]Info, error) {
	des, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		return nil, err
	}
	out := []Info{}
	for _, de := range des {
		if de.IsDir() || !ValidName(de.Name()) {
			continue
		}
		st, err := de.Info()
		if err != nil {
			continue
		}
		info := Info{Name: de.Name(), Size: st.Size(), CreatedAt: st.ModTime().UTC()}
		if e, ok := idx.Get(de.Name()); ok {
			info.SHA256 = e.SHA256
			info.CreatedAt = e.Created
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name > out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Manager) path(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p := filepath.Join(m.opts.Dir, name)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}
	return p, nil
}

// Delete removes one archive and its index entry.
func (m *Manager) Delete(name string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	p, err := m.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return err
	}
	idx, err := LoadIndex(m.opts.Dir)
	if err != nil {
		return err
	}
	idx.Delete(name)
	return idx.Save()
}

// Prune deletes all but the newest Keep archives and returns the removed names.
func (m *Manager) Prune() ([]string, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	idx, err := LoadIndex(m.opts.Dir)
	if err != nil {
		return nil, err
	}
	return m.prune(idx)
}

func (m *Manager) prune(idx *Index) ([]string, error) {
	if m.opts.Keep <= 0 {
		return nil, nil
	}
	all, err := m.list(idx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, info := range all[min(m.opts.Keep, len(all)):] {
		if err := os.Remove(filepath.Join(m.opts.Dir, info.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		idx.Delete(info.Name)
		removed = append(removed, info.Name)
	}
	if len(removed) > 0 {
		log.Info().Strs("removed", removed).Msg("backup retention")
	}
	return removed, idx.Save()
}

// Restore replaces the server directory with the archive contents. The
// archive is verified against its recorded checksum and fully extracted to
// a staging directory before anything in Source is touched.
func (m *Manager) Restore(ctx context.Context, name string) error {
	if m.opts.Running() {
		return ErrServerRunning
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	p, err := m.path(name)
	if err != nil {
		return err
	}
	idx, err := LoadIndex(m.opts.Dir)
	if err != nil {
		return err
	}
	if e, ok := idx.Get(name); ok && e.SHA256 != "" {
		if err := VerifySHA256(p, e.SHA256); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(filepath.Dir(m.opts.Source), ".restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	if err := untarGz(p, staging); err != nil {
		return fmt.Errorf("extract %s: %w", name, err)
	}
	// a second check: the server may have been started during extraction
	if m.opts.Running() {
		return ErrServerRunning
	}

	current, err := os.ReadDir(m.opts.Source)
	if err != nil {
		return err
	}
	for _, de := range current {
		if m.skipped(de.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.opts.Source, de.Name())); err != nil {
			return err
		}
	}
	staged, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	for _, de := range staged {
		if err := os.Rename(filepath.Join(staging, de.Name()), filepath.Join(m.opts.Source, de.Name())); err != nil {
			return err
		}
	}
	log.Info().Str("name", name).Msg("backup restored")
	return nil
}
