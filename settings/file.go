package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// FileStore keeps settings in a JSON file. Watchers are notified of saves
// made through the same store.
type FileStore struct {
	path   string
	mu     sync.Mutex
	fanout *fanout
}

// NewFileStore creates a store backed by path. The file need not exist.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "FileStore", "NewFileStore", "path is required")
	}
	return &FileStore{path: path, fanout: newFanout()}, nil
}

// Load reads the file, returning Default when it does not exist.
func (s *FileStore) Load(_ context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Default(), errors.WrapTransient(errors.ErrStorageUnavailable, "FileStore", "Load", err.Error())
	}

	var st Settings
	if err := json.Unmarshal(data, &st); err != nil {
		return Default(), errors.WrapInvalid(errors.ErrParsingFailed, "FileStore", "Load", err.Error())
	}
	return st.Normalize(), nil
}

// Save writes the file atomically and notifies watchers.
func (s *FileStore) Save(_ context.Context, st Settings) error {
	st = st.Normalize()
	if err := st.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "FileStore", "Save", "encode settings")
	}

	s.mu.Lock()
	err = writeAtomic(s.path, data)
	s.mu.Unlock()
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "Save", "write settings file")
	}

	s.fanout.publish(st)
	return nil
}

// Watch delivers settings saved after the call.
func (s *FileStore) Watch(ctx context.Context) (<-chan Settings, error) {
	return s.fanout.subscribe(ctx), nil
}

// Close closes every watch channel.
func (s *FileStore) Close() error {
	s.fanout.close()
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
