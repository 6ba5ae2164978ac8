package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// setupTestStore creates a store in a temporary directory.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, tempDir
}

// createTestCheckpoint returns a valid checkpoint on a 4x4x5 control grid.
func createTestCheckpoint(jobID string) *Checkpoint {
	g := GeometrySummary{
		Dim:       [3]int{12, 12, 16},
		Spacing:   [3]float64{1, 1, 1},
		ROIDim:    [3]int{12, 12, 16},
		VoxPerRgn: [3]int{12, 12, 8},
		CDims:     [3]int{4, 4, 5},
		LUT:       "aligned",
	}
	coeff := make([]float64, g.NumCoeff())
	for i := range coeff {
		coeff[i] = float64(i%7) * 0.1
	}
	return &Checkpoint{
		JobID:        jobID,
		Stage:        1,
		Coefficients: coeff,
		Geometry:     g,
		Score:        1234.5,
		InitialScore: 9876.5,
		NumVox:       2304,
		GradNorm:     3.25,
		Evaluations:  41,
		Timestamp:    time.Now(),
		Config: JobConfig{
			Backend:   "parallel",
			Optimizer: "lbfgs",
			Stages:    2,
			Seed:      42,
		},
	}
}

func TestNewFSStore(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(base)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != base {
		t.Errorf("BaseDir = %q, want %q", store.BaseDir(), base)
	}
	if _, err := os.Stat(base); err != nil {
		t.Fatalf("Base directory was not created: %v", err)
	}
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	jobID := "job-abc"
	original := createTestCheckpoint(jobID)
	if err := store.SaveCheckpoint(jobID, original); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	path := filepath.Join(tempDir, "jobs", jobID, "checkpoint.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Checkpoint file missing at %s: %v", path, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file should have been renamed away")
	}

	loaded, err := store.LoadCheckpoint(jobID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Fatalf("Loaded checkpoint is invalid: %v", err)
	}
	if loaded.Score != original.Score || loaded.NumVox != original.NumVox || loaded.Stage != original.Stage {
		t.Errorf("Scalar fields differ: got %+v", loaded.ToInfo())
	}
	if len(loaded.Coefficients) != len(original.Coefficients) {
		t.Fatalf("Coefficient count %d, want %d", len(loaded.Coefficients), len(original.Coefficients))
	}
	for i := range original.Coefficients {
		if loaded.Coefficients[i] != original.Coefficients[i] {
			t.Fatalf("Coefficient %d = %v, want %v", i, loaded.Coefficients[i], original.Coefficients[i])
		}
	}
	if loaded.Geometry != original.Geometry {
		t.Errorf("Geometry = %+v, want %+v", loaded.Geometry, original.Geometry)
	}
	if !loaded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", loaded.Timestamp, original.Timestamp)
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	cp := createTestCheckpoint("job")
	if err := store.SaveCheckpoint("job", cp); err != nil {
		t.Fatal(err)
	}
	cp.Score = 1
	cp.Stage = 2
	if err := store.SaveCheckpoint("job", cp); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadCheckpoint("job")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Score != 1 || loaded.Stage != 2 {
		t.Errorf("Overwrite lost: score %v stage %d", loaded.Score, loaded.Stage)
	}
}

func TestStore_InvalidArguments(t *testing.T) {
	store, _ := setupTestStore(t)

	tests := []struct {
		name string
		call func() error
	}{
		{"save empty id", func() error { return store.SaveCheckpoint("", createTestCheckpoint("x")) }},
		{"save nil", func() error { return store.SaveCheckpoint("x", nil) }},
		{"save path id", func() error { return store.SaveCheckpoint("../x", createTestCheckpoint("x")) }},
		{"load empty id", func() error { _, err := store.LoadCheckpoint(""); return err }},
		{"delete empty id", func() error { return store.DeleteCheckpoint("") }},
		{"delete dotdot", func() error { return store.DeleteCheckpoint("..") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if err == nil {
				t.Fatal("Expected an error")
			}
			if errors.Is(err, ErrNotFound) {
				t.Errorf("Argument errors must not look like ErrNotFound: %v", err)
			}
		})
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadCheckpoint("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.JobID != "missing" {
		t.Errorf("Expected NotFoundError for job 'missing', got %v", err)
	}
}

func TestListCheckpoints_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if infos == nil || len(infos) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", infos)
	}
}

func TestListCheckpoints_NewestFirstAndSkipsJunk(t *testing.T) {
	store, tempDir := setupTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		cp := createTestCheckpoint(fmt.Sprintf("job-%d", i))
		cp.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := store.SaveCheckpoint(cp.JobID, cp); err != nil {
			t.Fatal(err)
		}
	}

	// A directory without a checkpoint, a corrupt checkpoint and a stray file.
	os.MkdirAll(filepath.Join(tempDir, "jobs", "empty"), 0o755)
	os.MkdirAll(filepath.Join(tempDir, "jobs", "corrupt"), 0o755)
	os.WriteFile(filepath.Join(tempDir, "jobs", "corrupt", "checkpoint.json"), []byte("{not json"), 0o644)
	os.WriteFile(filepath.Join(tempDir, "jobs", "stray.txt"), []byte("x"), 0o644)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(infos))
	}
	for i, want := range []string{"job-2", "job-1", "job-0"} {
		if infos[i].JobID != want {
			t.Errorf("infos[%d] = %s, want %s", i, infos[i].JobID, want)
		}
	}
	if infos[0].NumCoeff != 3*4*4*5 {
		t.Errorf("NumCoeff = %d", infos[0].NumCoeff)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	jobID := "to-delete"
	if err := store.SaveCheckpoint(jobID, createTestCheckpoint(jobID)); err != nil {
		t.Fatal(err)
	}
	tw, err := NewTraceWriter(tempDir, jobID, false)
	if err != nil {
		t.Fatal(err)
	}
	tw.Write(TraceEntry{Score: 1, Timestamp: time.Now()})
	tw.Close()

	if err := store.DeleteCheckpoint(jobID); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "jobs", jobID)); !os.IsNotExist(err) {
		t.Error("Job directory still exists")
	}
	if err := store.DeleteCheckpoint(jobID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Second delete: expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("concurrent-%d", i)
			errs <- store.SaveCheckpoint(id, createTestCheckpoint(id))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent save failed: %v", err)
		}
	}
	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 10 {
		t.Errorf("Expected 10 checkpoints, got %d", len(infos))
	}
}
