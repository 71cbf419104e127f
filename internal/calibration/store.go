package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/banshee-data/harbour.watch/internal/fsutil"
	"github.com/banshee-data/harbour.watch/internal/security"
)

// ErrNotFound is returned by Store.Load when no record exists for an IP.
var ErrNotFound = errors.New("calibration not found")

// Store persists calibration records keyed by camera IP.
type Store interface {
	Load(ctx context.Context, cameraIP string) (Data, error)
	Save(ctx context.Context, d Data) error
}

// FileStore keeps one JSON file per camera under Dir.
type FileStore struct {
	FS  fsutil.FileSystem
	Dir string
}

// NewFileStore returns a FileStore on the real filesystem.
func NewFileStore(dir string) *FileStore {
	return &FileStore{FS: fsutil.OSFileSystem{}, Dir: dir}
}

// Path returns the file used for cameraIP.
func (s *FileStore) Path(cameraIP string) string {
	return filepath.Join(s.Dir, "ptz_calibration_"+security.SanitizeFilename(cameraIP)+".json")
}

func (s *FileStore) Load(_ context.Context, cameraIP string) (Data, error) {
	data, err := s.FS.ReadFile(s.Path(cameraIP))
	if errors.Is(err, fs.ErrNotExist) {
		return Data{}, fmt.Errorf("%s: %w", cameraIP, ErrNotFound)
	}
	if err != nil {
		return Data{}, err
	}
	var d Data
	if err := json.Unmarshal(data, &d); err != nil {
		return Data{}, fmt.Errorf("parse %s: %w", s.Path(cameraIP), err)
	}
	return d, nil
}

func (s *FileStore) Save(_ context.Context, d Data) error {
	if err := d.Validate(); err != nil {
		return err
	}
	path := s.Path(d.CameraIP)
	if err := security.ValidatePathWithinDirectory(path, s.Dir); err != nil {
		return err
	}
	if err := s.FS.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create calibration dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return s.FS.WriteFile(path, data, 0o644)
}

// MemoryStore is an in-process Store for tests and dev mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Data
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Data)}
}

func (s *MemoryStore) Load(_ context.Context, cameraIP string) (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[cameraIP]
	if !ok {
		return Data{}, fmt.Errorf("%s: %w", cameraIP, ErrNotFound)
	}
	return d, nil
}

func (s *MemoryStore) Save(_ context.Context, d Data) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[d.CameraIP] = d
	return nil
}

// LoadOrDefault returns the stored record for cameraIP or Default when none
// exists.
func LoadOrDefault(ctx context.Context, s Store, cameraIP string) (Data, error) {
	d, err := s.Load(ctx, cameraIP)
	if errors.Is(err, ErrNotFound) {
		return Default(cameraIP), nil
	}
	return d, err
}
