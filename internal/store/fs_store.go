package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const (
	checkpointFile = "checkpoint.json"
	traceFile      = "trace.jsonl"
)

// FSStore keeps one directory per job under <baseDir>/jobs/<jobID>/.
// Writes go to a temp file that is renamed into place, so readers never
// see a partial checkpoint and no locking is needed.
type FSStore struct {
	baseDir string
}

// NewFSStore creates baseDir if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (s *FSStore) BaseDir() string { return s.baseDir }

func jobDir(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID)
}

func (s *FSStore) checkpointPath(jobID string) string {
	return filepath.Join(jobDir(s.baseDir, jobID), checkpointFile)
}

func validJobID(jobID string) error {
	if jobID == "" {
		return errors.New("jobID cannot be empty")
	}
	if jobID != filepath.Base(jobID) || jobID == "." || jobID == ".." {
		return fmt.Errorf("jobID %q must be a plain name", jobID)
	}
	return nil
}

// SaveCheckpoint implements Store.
func (s *FSStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	if checkpoint == nil {
		return errors.New("checkpoint cannot be nil")
	}
	if err := os.MkdirAll(jobDir(s.baseDir, jobID), 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	path := s.checkpointPath(jobID)
	if err := writeJSONAtomic(path, checkpoint); err != nil {
		return err
	}
	slog.Debug("Checkpoint saved", "job_id", jobID, "stage", checkpoint.Stage, "path", path)
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *FSStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.checkpointPath(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint %s: %w", jobID, err)
	}
	return &cp, nil
}

// ListCheckpoints implements Store. Unreadable checkpoints are logged and
// skipped.
func (s *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "jobs"))
	if errors.Is(err, fs.ErrNotExist) {
		return []CheckpointInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	infos := make([]CheckpointInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := s.LoadCheckpoint(entry.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping unreadable checkpoint", "job_id", entry.Name(), "error", err)
			continue
		}
		infos = append(infos, cp.ToInfo())
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint implements Store.
func (s *FSStore) DeleteCheckpoint(jobID string) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	dir := jobDir(s.baseDir, jobID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{JobID: jobID}
	} else if err != nil {
		return fmt.Errorf("failed to stat job directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}
	slog.Debug("Checkpoint deleted", "job_id", jobID)
	return nil
}
