package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/bsplinereg/internal/config"
	"github.com/cwbudde/bsplinereg/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StageSummary is the outcome of one finished stage.
type StageSummary struct {
	Index       int     `json:"index"`
	CDims       [3]int  `json:"cdims"`
	NumCoeff    int     `json:"numCoeff"`
	Evaluations int     `json:"evaluations"`
	Status      string  `json:"status"`
	Converged   bool    `json:"converged"`
	InitialMSE  float64 `json:"initialMse"`
	FinalMSE    float64 `json:"finalMse"`
	Elapsed     float64 `json:"elapsedSeconds"`
}

// Job is one registration run.
type Job struct {
	ID     string          `json:"id"`
	State  JobState        `json:"state"`
	Config store.JobConfig `json:"config"`

	// Stage is the stage currently running, or the last one that ran.
	Stage       int            `json:"stage"`
	Evaluations int            `json:"evaluations"`
	InitialMSE  float64        `json:"initialMse"`
	BestMSE     float64        `json:"bestMse"`
	NumVox      int            `json:"numVox"`
	Stages      []StageSummary `json:"stages,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`

	scored bool
}

// Elapsed is the wall time since StartTime, up to EndTime if set.
func (j *Job) Elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

func (j *Job) clone() *Job {
	c := *j
	c.Stages = append([]StageSummary(nil), j.Stages...)
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	return &c
}

// event snapshots the progress of j.
func (j *Job) event() ProgressEvent {
	return ProgressEvent{
		JobID:       j.ID,
		State:       j.State,
		Stage:       j.Stage,
		Evaluations: j.Evaluations,
		BestMSE:     j.BestMSE,
		InitialMSE:  j.InitialMSE,
		Timestamp:   time.Now(),
	}
}

type jobEntry struct {
	job    *Job
	cfg    *config.Config
	cancel context.CancelFunc
}

// JobManager manages the lifecycle of jobs. Accessors return copies.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*jobEntry
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*jobEntry),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job for cfg.
func (jm *JobManager) CreateJob(cfg *config.Config, summary store.JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    summary,
		StartTime: time.Now(),
	}
	jm.jobs[job.ID] = &jobEntry{job: job, cfg: cfg}
	return job.clone()
}

// GetJob retrieves a job by ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	e, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return e.job.clone(), true
}

// ListJobs returns all jobs, oldest first.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, e := range jm.jobs {
		jobs = append(jobs, e.job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].StartTime.Before(jobs[j].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	updateFn(e.job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	running := make([]*Job, 0)
	for _, e := range jm.jobs {
		if e.job.State == StateRunning {
			running = append(running, e.job.clone())
		}
	}
	return running
}

// Cancel stops a pending or running job. The worker marks it cancelled.
func (jm *JobManager) Cancel(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.job.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, e.job.State)
	}
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if e, ok := jm.jobs[id]; ok {
		e.cancel = cancel
	}
}

func (jm *JobManager) jobConfig(id string) (*config.Config, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	e, ok := jm.jobs[id]
	if !ok {
		return nil, false
	}
	return e.cfg, true
}
