// Package watchstate persists per-file byte offsets across `agenr watch`
// polling cycles, so a restart can tell which files have grown since they
// were last ingested. A grown file is re-ingested whole, not from its offset.
package watchstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// FileState is what watch.json tracks per watched file.
type FileState struct {
	ByteOffset int64 `json:"byteOffset"`
	LastSize   int64 `json:"lastSize"`
}

// State is the in-memory, mutex-guarded view of watch.json.
type State struct {
	mu      sync.Mutex
	path    string
	Version int                   `json:"version"`
	Files   map[string]FileState `json:"files"`
}

// Load reads watch.json from path, returning an empty State if the file
// doesn't exist yet.
func Load(path string) (*State, error) {
	s := &State{path: path, Version: 1, Files: map[string]FileState{}}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the tracked state for path, or the zero value if untracked.
func (s *State) Get(filePath string) FileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Files[filePath]
}

// Set updates the tracked state for filePath and persists the whole file
// atomically (write to a temp file, then rename), so a crash mid-write
// never leaves watch.json corrupt.
func (s *State) Set(filePath string, fs FileState) error {
	s.mu.Lock()
	s.Files[filePath] = fs
	s.mu.Unlock()
	return s.persist()
}

// Advance records a new byte offset for filePath, refusing to move it
// backward unless force is set (used when `--force` resets ingest state).
func (s *State) Advance(filePath string, offset, size int64, force bool) error {
	s.mu.Lock()
	cur := s.Files[filePath]
	if !force && offset < cur.ByteOffset {
		s.mu.Unlock()
		return nil
	}
	s.Files[filePath] = FileState{ByteOffset: offset, LastSize: size}
	s.mu.Unlock()
	return s.persist()
}

func (s *State) persist() error {
	s.mu.Lock()
	raw, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
