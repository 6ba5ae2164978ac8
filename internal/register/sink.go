package register

import (
	"time"

	"github.com/cwbudde/bsplinereg/internal/config"
	"github.com/cwbudde/bsplinereg/internal/store"
)

// StoreSink writes a trace entry per evaluation and a checkpoint per stage.
// Either destination may be nil.
type StoreSink struct {
	Store  store.Store
	Trace  *store.TraceWriter
	JobID  string
	Config store.JobConfig
}

// Evaluation implements Sink.
func (s *StoreSink) Evaluation(entry store.TraceEntry) error {
	if s.Trace == nil {
		return nil
	}
	return s.Trace.Write(entry)
}

// StageDone implements Sink. The trace is flushed so that it never lags
// behind the checkpoint.
func (s *StoreSink) StageDone(r *StageResult) error {
	if s.Trace != nil {
		if err := s.Trace.Flush(); err != nil {
			return err
		}
	}
	if s.Store == nil {
		return nil
	}
	return s.Store.SaveCheckpoint(s.JobID, NewCheckpoint(s.JobID, r, s.Config))
}

// NewCheckpoint captures a finished stage.
func NewCheckpoint(jobID string, r *StageResult, cfg store.JobConfig) *store.Checkpoint {
	return &store.Checkpoint{
		JobID:        jobID,
		Stage:        r.Index,
		Coefficients: r.Coefficients,
		Geometry:     Summary(r.Geometry),
		Score:        r.Final.Score,
		InitialScore: r.Initial.Score,
		NumVox:       r.Final.NumVox,
		GradNorm:     r.Final.GradNorm(),
		Evaluations:  r.Evaluations,
		Timestamp:    time.Now(),
		Config:       cfg,
	}
}

// JobConfig summarizes cfg for a checkpoint.
func JobConfig(cfg *config.Config, path string) store.JobConfig {
	jc := store.JobConfig{
		ConfigPath: path,
		Backend:    cfg.Backend,
		Workers:    cfg.Workers,
		Stages:     len(cfg.Stages),
	}
	if len(cfg.Stages) > 0 {
		jc.Optimizer = cfg.Stages[0].OptimizerName()
		jc.Seed = cfg.Stages[0].Seed
	}
	return jc
}
