package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/bsplinereg/internal/store"
	"github.com/spf13/cobra"
)

var (
	checkpointDataDir string
	keepLast          int
	olderThanDays     int
	forceClean        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage registration checkpoints",
	Long: `List, inspect and clean the per-job checkpoints written by register.
A checkpoint holds the coefficients of the last completed stage; register
--resume continues from it.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	RunE:  runListCheckpoints,
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a checkpoint and a summary of its trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowCheckpoint,
}

var deleteCheckpointCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a checkpoint and its trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteCheckpoint,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old checkpoints",
	Long: `Delete checkpoints by retention policy: keep only the newest N, or
delete everything older than N days.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd, showCheckpointCmd, deleteCheckpointCmd, cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "", "Checkpoint directory (default: dataDir of the config)")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N checkpoints (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

// checkpointStore opens --data-dir, falling back to the config's dataDir.
func checkpointStore() (*store.FSStore, error) {
	dir := checkpointDataDir
	if dir == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		dir = cfg.DataDir
	}
	st, err := store.NewFSStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	return st, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	st, err := checkpointStore()
	if err != nil {
		return err
	}
	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tTIMESTAMP\tSTAGE\tCOEFF\tEVALS\tMSE\tBACKEND\tOPTIMIZER\tSIZE")
	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(filepath.Join(st.BaseDir(), "jobs", info.JobID)); err == nil {
			sizeStr = formatBytes(size)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.6f\t%s\t%s\t%s\n",
			shortID(info.JobID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Stage,
			info.NumCoeff,
			info.Evaluations,
			info.MSE(),
			info.Backend,
			info.Optimizer,
			sizeStr,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runShowCheckpoint(cmd *cobra.Command, args []string) error {
	st, err := checkpointStore()
	if err != nil {
		return err
	}
	jobID := args[0]
	cp, err := st.LoadCheckpoint(jobID)
	if err != nil {
		return err
	}

	g := cp.Geometry
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "job\t%s\n", cp.JobID)
	fmt.Fprintf(w, "saved\t%s\n", cp.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "stage\t%d of %d\n", cp.Stage+1, cp.Config.Stages)
	fmt.Fprintf(w, "backend\t%s\n", cp.Config.Backend)
	fmt.Fprintf(w, "optimizer\t%s\n", cp.Config.Optimizer)
	fmt.Fprintf(w, "volume\t%v voxels, spacing %v\n", g.Dim, g.Spacing)
	fmt.Fprintf(w, "roi\toffset %v, dim %v\n", g.ROIOffset, g.ROIDim)
	fmt.Fprintf(w, "grid\t%v knots, %v voxels per region, %s LUT\n", g.CDims, g.VoxPerRgn, g.LUT)
	fmt.Fprintf(w, "score\t%.6f (initial %.6f)\n", cp.Score, cp.InitialScore)
	fmt.Fprintf(w, "num_vox\t%d\n", cp.NumVox)
	fmt.Fprintf(w, "grad norm\t%.6g\n", cp.GradNorm)
	fmt.Fprintf(w, "evaluations\t%d\n", cp.Evaluations)
	w.Flush()

	entries, err := readTrace(st.BaseDir(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("\nNo trace recorded.")
		return nil
	}
	if err != nil {
		return err
	}
	printTraceSummary(os.Stdout, entries)
	return nil
}

func readTrace(baseDir, jobID string) ([]store.TraceEntry, error) {
	tr, err := store.NewTraceReader(baseDir, jobID)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return tr.ReadAll()
}

// printTraceSummary prints the evaluation count and best MSE per stage.
func printTraceSummary(out io.Writer, entries []store.TraceEntry) {
	type stageSummary struct {
		evals   int
		first   float64
		best    float64
		elapsed time.Duration
		start   time.Time
	}
	byStage := map[int]*stageSummary{}
	var stages []int
	for _, e := range entries {
		s, ok := byStage[e.Stage]
		if !ok {
			s = &stageSummary{first: e.MSE(), best: e.MSE(), start: e.Timestamp}
			byStage[e.Stage] = s
			stages = append(stages, e.Stage)
		}
		s.evals++
		if e.NumVox > 0 && e.MSE() < s.best {
			s.best = e.MSE()
		}
		s.elapsed = e.Timestamp.Sub(s.start)
	}
	sort.Ints(stages)

	fmt.Fprintf(out, "\nTrace: %d evaluations\n", len(entries))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tEVALS\tFIRST MSE\tBEST MSE\tSPAN")
	for _, i := range stages {
		s := byStage[i]
		fmt.Fprintf(w, "%d\t%d\t%.6f\t%.6f\t%s\n", i, s.evals, s.first, s.best, s.elapsed.Round(time.Millisecond))
	}
	w.Flush()
}

func runDeleteCheckpoint(cmd *cobra.Command, args []string) error {
	st, err := checkpointStore()
	if err != nil {
		return err
	}
	if err := st.DeleteCheckpoint(args[0]); err != nil {
		return err
	}
	slog.Info("Deleted checkpoint", "job_id", args[0])
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	st, err := checkpointStore()
	if err != nil {
		return err
	}
	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No checkpoints to clean.")
		return nil
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays)
	if len(toDelete) == 0 {
		fmt.Println("No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (stage %d, %s)\n",
			shortID(info.JobID),
			info.Stage,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := st.DeleteCheckpoint(info.JobID); err != nil {
			slog.Error("Failed to delete checkpoint", "job_id", info.JobID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "job_id", info.JobID)
		deleted++
	}

	fmt.Printf("\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion applies the age limit and then keeps only the
// newest keepLast checkpoints. Each job is selected at most once.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast int, olderThanDays int) []store.CheckpointInfo {
	var toDelete []store.CheckpointInfo
	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, info)
				selected[info.JobID] = true
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := append([]store.CheckpointInfo(nil), infos...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		for _, info := range sorted[:len(sorted)-keepLast] {
			if !selected[info.JobID] {
				toDelete = append(toDelete, info)
				selected[info.JobID] = true
			}
		}
	}

	return toDelete
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
