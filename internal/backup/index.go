package backup

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IndexEntry records one archive and its checksum.
type IndexEntry struct {
	Name    string    `json:"name"`
	SHA256  string    `json:"sha256"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// Index is the on-disk archive index stored as index.json in the backup directory.
type Index struct {
	mu   sync.Mutex
	File string
	M    map[string]IndexEntry // key: archive name
}

func LoadIndex(dir string) (*Index, error) {
	idx := &Index{File: filepath.Join(dir, "index.json"), M: map[string]IndexEntry{}}
	b, err := os.ReadFile(idx.File)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &idx.M); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *Index) Save() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(i.File), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(i.M, "", "  ")
	if err != nil {
		return err
	}
	tmp := i.File + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, i.File)
}

func (i *Index) Get(name string) (IndexEntry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.M[name]
	return e, ok
}

func (i *Index) Put(e IndexEntry) {
	i.mu.Lock()
	i.M[e.Name] = e
	i.mu.Unlock()
}

func (i *Index) Delete(name string) {
	i.mu.Lock()
	delete(i.M, name)
	i.mu.Unlock()
}
