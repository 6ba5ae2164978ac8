package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/cwbudde/bsplinereg/internal/register"
	"github.com/cwbudde/bsplinereg/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	registerJobID  string
	registerResume string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Run the configured registration stages",
	Long: `Runs every stage of the config, coarse to fine. Each evaluation is
appended to <dataDir>/jobs/<job-id>/trace.jsonl and every finished stage
replaces the job checkpoint. Use --resume to continue a job from its
checkpointed stage.`,
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerJobID, "job-id", "", "Job identifier (default: a new UUID)")
	registerCmd.Flags().StringVar(&registerResume, "resume", "", "Resume the job with this ID from its checkpoint")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fixed, moving, err := volumePair(cfg)
	if err != nil {
		return err
	}

	st, err := store.NewFSStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	jobID := registerJobID
	var cp *store.Checkpoint
	if registerResume != "" {
		jobID = registerResume
		cp, err = st.LoadCheckpoint(jobID)
		if err != nil {
			return err
		}
	}
	if jobID == "" {
		jobID = uuid.New().String()
	}

	tw, err := store.NewTraceWriter(cfg.DataDir, jobID, cp != nil)
	if err != nil {
		return err
	}
	defer tw.Close()

	sink := &register.StoreSink{
		Store:  st,
		Trace:  tw,
		JobID:  jobID,
		Config: register.JobConfig(cfg, configPath),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Registration started", "job_id", jobID, "stages", len(cfg.Stages), "backend", cfg.Backend, "resume", cp != nil)

	var out *register.Outcome
	if cp != nil {
		out, err = register.Resume(ctx, fixed, moving, cfg, sink, cp)
	} else {
		out, err = register.Run(ctx, fixed, moving, cfg, sink)
	}
	if out != nil {
		printStages(out)
	}
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}

	fmt.Printf("\nJob %s finished; checkpoint in %s\n", jobID, st.BaseDir())
	return nil
}

func printStages(out *register.Outcome) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tGRID\tCOEFF\tEVALS\tSTATUS\tMSE BEFORE\tMSE AFTER\tIMPROVEMENT\tELAPSED")
	for _, s := range out.Stages {
		fmt.Fprintf(w, "%d\t%v\t%d\t%d\t%s\t%.6f\t%.6f\t%.2f%%\t%s\n",
			s.Index,
			s.Geometry.CDims,
			s.Geometry.NumCoeff,
			s.Evaluations,
			s.Status,
			s.Initial.MSE(),
			s.Final.MSE(),
			100*s.Improvement(),
			s.Elapsed.Round(1e6),
		)
	}
	w.Flush()
}
