package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"verse-sync/internal/logging"
	"verse-sync/internal/protocol"
)

const metaFile = "sync-state.json"

// FileStore keeps one JSON file per category in a directory. Writes are
// atomic (temp file + rename). Watch reports edits made by other processes.
type FileStore struct {
	dir    string
	logger *logging.Logger

	// writeMu serializes Set and Update; metaMu guards sync-state.json.
	writeMu sync.Mutex
	metaMu  sync.Mutex

	mu     sync.Mutex
	hashes map[string][sha256.Size]byte
	subs   listeners
}

func NewFileStore(dir string, logger *logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, logger: logger, hashes: map[string][sha256.Size]byte{}}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(category string) string {
	return filepath.Join(s.dir, category+".json")
}

// Get reads the stored value. It leaves the watcher's view of the file
// alone, so an external edit read here is still reported by Watch.
func (s *FileStore) Get(category string) (json.RawMessage, error) {
	if !protocol.IsKnownType(category) {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	return s.read(category)
}

func (s *FileStore) read(category string) (json.RawMessage, error) {
	b, err := os.ReadFile(s.path(category))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s: invalid json", s.path(category))
	}
	return b, nil
}

func (s *FileStore) Set(category string, value json.RawMessage) error {
	if !protocol.IsKnownType(category) {
		return fmt.Errorf("unknown category %q", category)
	}
	s.writeMu.Lock()
	err := s.write(category, value)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.subs.notify(category)
	return nil
}

// Update rewrites a category from its current value. Subscribers are not
// notified and the watcher ignores the resulting file event.
func (s *FileStore) Update(category string, fn UpdateFunc) error {
	if !protocol.IsKnownType(category) {
		return fmt.Errorf("unknown category %q", category)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	current, err := s.read(category)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.write(category, next)
}

// write stores value and remembers its hash so Watch skips our own write.
func (s *FileStore) write(category string, value json.RawMessage) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	if !json.Valid(value) {
		return fmt.Errorf("%s: invalid json", category)
	}
	s.mu.Lock()
	s.hashes[category] = sha256.Sum256(value)
	s.mu.Unlock()
	return writeFileAtomic(s.path(category), value)
}

func (s *FileStore) OnChange(fn func(category string)) func() {
	return s.subs.add(fn)
}

// LoadMeta reads sync-state.json, creating a device id on first use.
func (s *FileStore) LoadMeta() (Meta, error) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.loadMetaLocked()
}

func (s *FileStore) SaveMeta(meta Meta) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.saveMetaLocked(meta)
}

func (s *FileStore) UpdateMeta(fn func(*Meta)) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	meta, err := s.loadMetaLocked()
	if err != nil {
		return err
	}
	fn(&meta)
	return s.saveMetaLocked(meta)
}

func (s *FileStore) loadMetaLocked() (Meta, error) {
	var meta Meta
	b, err := os.ReadFile(filepath.Join(s.dir, metaFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Meta{}, err
	default:
		if err := json.Unmarshal(b, &meta); err != nil {
			return Meta{}, fmt.Errorf("parse %s: %w", metaFile, err)
		}
	}
	if meta.DeviceID == "" {
		meta.DeviceID = uuid.NewString()
		if err := s.saveMetaLocked(meta); err != nil {
			return Meta{}, err
		}
	}
	return meta, nil
}

func (s *FileStore) saveMetaLocked(meta Meta) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, metaFile), b)
}

// Watch notifies subscribers when a category file changes on disk with
// content this store did not write. It blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				s.handleFileEvent(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnf("store watcher error: %v", err)
		}
	}
}

func (s *FileStore) handleFileEvent(name string) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".json") {
		return
	}
	category := strings.TrimSuffix(base, ".json")
	if !protocol.IsKnownType(category) {
		return
	}
	b, err := os.ReadFile(name)
	if err != nil || !json.Valid(b) {
		return
	}
	sum := sha256.Sum256(b)
	s.mu.Lock()
	prev, seen := s.hashes[category]
	if seen && prev == sum {
		s.mu.Unlock()
		return
	}
	s.hashes[category] = sum
	s.mu.Unlock()
	s.logger.Debugf("external edit detected for %s", category)
	s.subs.notify(category)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
