package repository

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileData is the document layout of a repository file.
type fileData struct {
	// Routing maps an IATA tag to its allocated destination.
	Routing  map[string]uint16   `yaml:"routing"`
	Airlines []AirlineEntry      `yaml:"airlines"`
	Fallback []FallbackEntry     `yaml:"fallback"`
	Items    map[string]ItemInfo `yaml:"items"`
}

// FileRepository serves routing data from a YAML file loaded at start.
// Scan records are kept in memory.
type FileRepository struct {
	path string

	mu    sync.RWMutex
	data  fileData
	scans []ScanRecord
}

var _ Repository = (*FileRepository)(nil)

// NewFileRepository loads the repository file at path.
func NewFileRepository(path string) (*FileRepository, error) {
	r := &FileRepository{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}

	return r, nil
}

// Reload re-reads the repository file.
func (r *FileRepository) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read repository file: %w", err)
	}

	var data fileData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse repository file %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.data = data
	r.mu.Unlock()

	return nil
}

func (r *FileRepository) LookupDestination(_ context.Context, iata string) (uint16, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dest, ok := r.data.Routing[iata]

	return dest, ok, nil
}

func (r *FileRepository) ExistsInRoutingTable(_ context.Context, iata string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.data.Routing[iata]

	return ok, nil
}

func (r *FileRepository) ListEnabledAirlineEntries(_ context.Context) ([]AirlineEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]AirlineEntry, 0, len(r.data.Airlines))
	for _, e := range r.data.Airlines {
		if e.Enabled {
			entries = append(entries, e)
		}
	}

	return entries, nil
}

func (r *FileRepository) ListFallbackEntries(_ context.Context) ([]FallbackEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]FallbackEntry(nil), r.data.Fallback...), nil
}

func (r *FileRepository) ItemInfo(_ context.Context, iata string) (ItemInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.data.Items[iata]; ok {
		return info, nil
	}

	return DefaultItemInfo, nil
}

func (r *FileRepository) RecordScan(_ context.Context, rec ScanRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scans = append(r.scans, rec)

	return nil
}

// Scans returns the scan records stored so far.
func (r *FileRepository) Scans() []ScanRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]ScanRecord(nil), r.scans...)
}

func (r *FileRepository) Close() error { return nil }
