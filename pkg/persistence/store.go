package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/denizumutdereli/neurosim/pkg/core"
)

// FileExt is the extension of recording files.
const FileExt = ".nsr"

// IntegrityReport summarizes checksum validation results across recording files.
type IntegrityReport struct {
	CheckedFiles int
	CorruptFiles int
	RemovedFiles int
}

// Store keeps one file per recording under <base>/recordings. Writes go to
// a temporary file that is synced and renamed into place.
type Store struct {
	basePath string
	dir      string
	codec    *Codec
	mu       sync.Mutex // serializes writers of the same run

	totalWrites atomic.Uint64
	totalReads  atomic.Uint64
}

// NewStore creates a new recording store
func NewStore(basePath string, compress bool) (*Store, error) {
	dir := filepath.Join(basePath, "recordings")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings path: %w", err)
	}
	return &Store{
		basePath: basePath,
		dir:      dir,
		codec:    NewCodec(compress),
	}, nil
}

// Save persists a recording to disk and returns the file path.
func (s *Store) Save(rec *Recording) (string, error) {
	if err := validRunID(rec.RunID); err != nil {
		return "", err
	}
	data, err := s.codec.Encode(rec)
	if err != nil {
		return "", fmt.Errorf("encode failed: %w", err)
	}

	path := s.filePath(rec.RunID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomically(path, data, 0644); err != nil {
		return "", fmt.Errorf("write failed: %w", err)
	}
	s.totalWrites.Add(1)
	return path, nil
}

// Load retrieves a recording from disk
func (s *Store) Load(id core.RunID) (*Recording, error) {
	if err := validRunID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrRecordingNotFound
		}
		return nil, fmt.Errorf("read failed: %w", err)
	}

	rec, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	s.totalReads.Add(1)
	return rec, nil
}

// Exists checks if a recording exists on disk
func (s *Store) Exists(id core.RunID) bool {
	if validRunID(id) != nil {
		return false
	}
	_, err := os.Stat(s.filePath(id))
	return err == nil
}

// Delete removes a recording from disk
func (s *Store) Delete(id core.RunID) error {
	if err := validRunID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return core.ErrRecordingNotFound
		}
		return err
	}
	return nil
}

// List returns the IDs of all persisted recordings, sorted.
func (s *Store) List() ([]core.RunID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []core.RunID
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != FileExt {
			continue
		}
		ids = append(ids, core.RunID(strings.TrimSuffix(e.Name(), FileExt)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ValidateDataFiles verifies checksums/decoding of recording files.
// When repair=true, corrupt files are removed.
func (s *Store) ValidateDataFiles(repair bool) (IntegrityReport, error) {
	report := IntegrityReport{}
	ids, err := s.List()
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		report.CheckedFiles++
		path := s.filePath(id)
		raw, readErr := os.ReadFile(path)
		if readErr == nil {
			var rec *Recording
			rec, readErr = s.codec.Decode(raw)
			if readErr == nil && rec.RunID != id {
				readErr = fmt.Errorf("file %s holds run %s", path, rec.RunID)
			}
		}
		if readErr == nil {
			continue
		}

		report.CorruptFiles++
		if !repair {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return report, err
		}
		report.RemovedFiles++
	}
	return report, nil
}

// Stats returns persistence statistics
func (s *Store) Stats() map[string]any {
	ids, _ := s.List()
	return map[string]any{
		"recordings":   len(ids),
		"total_writes": s.totalWrites.Load(),
		"total_reads":  s.totalReads.Load(),
		"base_path":    s.basePath,
		"compress":     s.codec.compress,
	}
}

func (s *Store) filePath(id core.RunID) string {
	return filepath.Join(s.dir, string(id)+FileExt)
}

// validRunID rejects IDs that would escape the recordings directory.
func validRunID(id core.RunID) error {
	if id == "" || strings.ContainsAny(string(id), `/\`) || strings.Contains(string(id), "..") {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

func writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(path string) error {
	if runtime.GOOS == "windows" {
		// Windows does not support fsync on directories in this mode.
		return nil
	}
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
