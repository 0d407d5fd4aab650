package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	log "github.com/sirupsen/logrus"

	"farmcorner/domain"
)

var (
	// ErrInvalidKey is returned for collection keys that cannot name a file.
	ErrInvalidKey = errors.New("invalid collection key")

	keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)
)

// WriteWarning reports that a local write was applied in memory but could
// not be persisted to disk.
type WriteWarning struct {
	Key string
	Err error
}

func (w *WriteWarning) Error() string {
	return fmt.Sprintf("collection %s kept in memory only: %v", w.Key, w.Err)
}

func (w *WriteWarning) Unwrap() error { return w.Err }

// LocalStore keeps each collection as a JSON file in a data directory and
// mirrors the last written value in memory.
type LocalStore struct {
	dir      string
	notifier *Notifier
	logger   *log.Logger

	mu  sync.RWMutex
	mem map[string]string

	writeFile func(path string, data []byte) error
}

// NewLocalStore opens (and creates if needed) the data directory.
func NewLocalStore(dir string, notifier *Notifier, logger *log.Logger) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("local store dir required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &LocalStore{
		dir:       dir,
		notifier:  notifier,
		logger:    logger,
		mem:       make(map[string]string),
		writeFile: atomicWriteFile,
	}, nil
}

// Dir returns the data directory.
func (s *LocalStore) Dir() string { return s.dir }

// Notifier returns the change notifier local writes publish on.
func (s *LocalStore) Notifier() *Notifier { return s.notifier }

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Read returns the collection under key, or an empty collection when the key
// was never written or its file is unreadable.
func (s *LocalStore) Read(key string) []domain.Record {
	if !keyPattern.MatchString(key) {
		return []domain.Record{}
	}
	s.mu.RLock()
	raw, ok := s.mem[key]
	s.mu.RUnlock()
	if ok {
		return domain.Deserialize(raw)
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).Warnf("local read failed, key=%s", key)
		}
		return []domain.Record{}
	}
	s.mu.Lock()
	if _, ok := s.mem[key]; !ok {
		s.mem[key] = string(data)
	}
	s.mu.Unlock()
	return domain.DeserializeBytes(data)
}

// Write replaces the collection under key. The in-memory mirror always
// reflects the write; a *WriteWarning is returned when the disk write fails.
func (s *LocalStore) Write(key string, records []domain.Record) error {
	return s.write(key, records, OriginLocal)
}

// Replace is Write for values pulled from the remote store.
func (s *LocalStore) Replace(key string, records []domain.Record) error {
	return s.write(key, records, OriginRemote)
}

func (s *LocalStore) write(key string, records []domain.Record, origin Origin) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	raw, err := domain.Serialize(records)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.mem[key] = raw
	werr := s.writeFile(s.path(key), []byte(raw))
	s.mu.Unlock()

	s.notifier.Publish(Change{Key: key, Origin: origin})

	if werr != nil {
		s.logger.WithError(werr).Warnf("local write not persisted, key=%s, records=%d", key, len(records))
		return &WriteWarning{Key: key, Err: werr}
	}
	return nil
}

// reload re-reads key from disk and reports whether the content differs from
// what this process last wrote or read.
func (s *LocalStore) reload(key string) bool {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			_, had := s.mem[key]
			delete(s.mem, key)
			s.mu.Unlock()
			return had
		}
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.mem[key]; ok && prev == string(data) {
		return false
	}
	s.mem[key] = string(data)
	return true
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
