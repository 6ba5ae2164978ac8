package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/bsplinereg/internal/register"
	"github.com/cwbudde/bsplinereg/internal/store"
	"github.com/cwbudde/bsplinereg/internal/synth"
)

// progressInterval throttles evaluation events to 2 per second.
const progressInterval = 500 * time.Millisecond

// jobSink records registration progress on the job and forwards it to the
// store sink, if any.
type jobSink struct {
	jm       *JobManager
	jobID    string
	next     register.Sink
	lastSent time.Time
}

func (s *jobSink) Evaluation(entry store.TraceEntry) error {
	if s.next != nil {
		if err := s.next.Evaluation(entry); err != nil {
			return err
		}
	}

	var ev ProgressEvent
	err := s.jm.UpdateJob(s.jobID, func(j *Job) {
		j.Stage = entry.Stage
		j.Evaluations++
		if entry.NumVox > 0 {
			mse := entry.MSE()
			if !j.scored {
				j.InitialMSE = mse
			}
			if !j.scored || mse < j.BestMSE {
				j.BestMSE = mse
				j.NumVox = entry.NumVox
			}
			j.scored = true
		}
		ev = j.event()
	})
	if err != nil {
		return err
	}

	if time.Since(s.lastSent) >= progressInterval {
		s.jm.broadcaster.Broadcast(ev)
		s.lastSent = time.Now()
	}
	return nil
}

func (s *jobSink) StageDone(r *register.StageResult) error {
	if s.next != nil {
		if err := s.next.StageDone(r); err != nil {
			return err
		}
	}

	var ev ProgressEvent
	err := s.jm.UpdateJob(s.jobID, func(j *Job) {
		j.Stages = append(j.Stages, StageSummary{
			Index:       r.Index,
			CDims:       r.Geometry.CDims,
			NumCoeff:    r.Geometry.NumCoeff,
			Evaluations: r.Evaluations,
			Status:      r.Status,
			Converged:   r.Converged,
			InitialMSE:  r.Initial.MSE(),
			FinalMSE:    r.Final.MSE(),
			Elapsed:     r.Elapsed.Seconds(),
		})
		ev = j.event()
	})
	if err != nil {
		return err
	}
	s.jm.broadcaster.Broadcast(ev)
	s.lastSent = time.Now()
	return nil
}

// runJob executes a registration job. With a non-nil checkpointStore every
// evaluation is traced and every stage checkpointed under the job ID.
func runJob(ctx context.Context, jm *JobManager, checkpointStore *store.FSStore, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cfg, _ := jm.jobConfig(jobID)

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	slog.Info("Starting job", "job_id", jobID, "stages", len(cfg.Stages), "backend", cfg.Backend)

	fixed, err := synth.Generate(cfg.Fixed)
	if err != nil {
		return finishJob(jm, jobID, fmt.Errorf("fixed volume: %w", err))
	}
	moving, err := synth.Generate(cfg.Moving)
	if err != nil {
		return finishJob(jm, jobID, fmt.Errorf("moving volume: %w", err))
	}

	sink := &jobSink{jm: jm, jobID: jobID}
	if checkpointStore != nil {
		trace, err := store.NewTraceWriter(checkpointStore.BaseDir(), jobID, false)
		if err != nil {
			return finishJob(jm, jobID, err)
		}
		defer trace.Close()
		sink.next = &register.StoreSink{
			Store:  checkpointStore,
			Trace:  trace,
			JobID:  jobID,
			Config: job.Config,
		}
	}

	if err := ctx.Err(); err != nil {
		return finishJob(jm, jobID, err)
	}

	_, err = register.Run(ctx, fixed, moving, cfg, sink)
	return finishJob(jm, jobID, err)
}

// finishJob moves the job into its terminal state, broadcasts it and closes
// the job's event streams. It returns err.
func finishJob(jm *JobManager, jobID string, err error) error {
	endTime := time.Now()
	var ev ProgressEvent
	jm.UpdateJob(jobID, func(j *Job) {
		j.EndTime = &endTime
		switch {
		case err == nil:
			j.State = StateCompleted
		case errors.Is(err, context.Canceled):
			j.State = StateCancelled
		default:
			j.State = StateFailed
			j.Error = err.Error()
		}
		ev = j.event()
	})

	switch ev.State {
	case StateCompleted:
		slog.Info("Job completed", "job_id", jobID, "evaluations", ev.Evaluations, "initial_mse", ev.InitialMSE, "best_mse", ev.BestMSE)
	case StateCancelled:
		slog.Info("Job cancelled", "job_id", jobID)
	default:
		slog.Error("Job failed", "job_id", jobID, "error", err)
	}

	jm.broadcaster.Broadcast(ev)
	jm.broadcaster.CleanupJob(jobID)
	return err
}
