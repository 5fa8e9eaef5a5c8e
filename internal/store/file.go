package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// File names used by FilePersister inside its directory
const (
	ContactedFileName = "contacted_users.json"
	ProcessedFileName = "processed_messages.json"
)

// FilePersister keeps each dedup set as a JSON array in its own file.
// Files are replaced atomically (write to temp file, fsync, rename).
type FilePersister struct {
	dir string
}

// NewFilePersister creates a persister rooted at dir, creating it if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory not set")
	}
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &FilePersister{dir: dir}, nil
}

// Load reads both files. Missing files are treated as empty sets.
func (p *FilePersister) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Welcomed, err = p.readList(ContactedFileName); err != nil {
		return Snapshot{}, err
	}
	if snap.Processed, err = p.readList(ProcessedFileName); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Save overwrites both files.
func (p *FilePersister) Save(ctx context.Context, snap Snapshot) error {
	if err := p.writeList(ContactedFileName, snap.Welcomed); err != nil {
		return err
	}
	return p.writeList(ProcessedFileName, snap.Processed)
}

func (p *FilePersister) readList(name string) ([]string, error) {
	path := filepath.Join(p.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("FilePersister: state file not found, starting empty", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return list, nil
}

func (p *FilePersister) writeList(name string, list []string) error {
	if list == nil {
		list = []string{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	path := filepath.Join(p.dir, name)
	tmp, err := os.CreateTemp(p.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
