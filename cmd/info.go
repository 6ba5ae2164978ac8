package main

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/cwbudde/bsplinereg/internal/gpu"
	"github.com/cwbudde/bsplinereg/internal/score"
	"github.com/spf13/cobra"
	"golang.org/x/sys/cpu"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show backends, CPU features and OpenCL devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInfo(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func printInfo(out io.Writer) error {
	fmt.Fprintf(out, "backends:     %v\n", score.SupportedBackends())
	fmt.Fprintf(out, "kernel:       %s\n", score.ActiveKernel)
	fmt.Fprintf(out, "cpus:         %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
	fmt.Fprintf(out, "cpu features: %s\n", cpuFeatures())

	if !gpu.Available() {
		fmt.Fprintln(out, "opencl:       not built (rebuild with -tags gpu)")
		return nil
	}
	platforms, err := gpu.EnumeratePlatforms()
	if errors.Is(err, gpu.ErrNoDevices) || (err == nil && len(platforms) == 0) {
		fmt.Fprintln(out, "opencl:       no platforms")
		return nil
	}
	if err != nil {
		return fmt.Errorf("opencl: %w", err)
	}
	for _, p := range platforms {
		fmt.Fprintf(out, "opencl:       %s (%s, %s)\n", p.Name, p.Vendor, p.Version)
		for _, d := range p.Devices {
			fmt.Fprintf(out, "              %s\n", d)
		}
	}
	return nil
}

func cpuFeatures() string {
	var features []string
	add := func(name string, ok bool) {
		if ok {
			features = append(features, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add("sse4.1", cpu.X86.HasSSE41)
		add("avx", cpu.X86.HasAVX)
		add("avx2", cpu.X86.HasAVX2)
		add("fma", cpu.X86.HasFMA)
		add("avx512f", cpu.X86.HasAVX512F)
	case "arm64":
		add("asimd", cpu.ARM64.HasASIMD)
		add("fphp", cpu.ARM64.HasFPHP)
		add("sve", cpu.ARM64.HasSVE)
	}
	if len(features) == 0 {
		return "none detected"
	}
	return fmt.Sprint(features)
}
