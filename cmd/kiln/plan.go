package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/detect"
	"kiln/internal/logging"
)

var (
	planFormat string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what the next build would recompile",
	Long: `Diffs current sources, classpath, and upstream APIs against the stored
analysis and prints the initial invalidation, without compiling anything.`,
	Run: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planFormat, "format", "text", "Output format (text, json, yaml)")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) {
	start := time.Now()
	logger := newLogger(planFormat)

	env := mustGetEnv(logger)

	response, err := computePlan(env, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error computing plan: %v\n", err)
		os.Exit(1)
	}

	output, err := FormatResponse(response, OutputFormat(planFormat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting output: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(output)

	if planFormat == "text" {
		fmt.Printf("\n(Plan took %dms)\n", time.Since(start).Milliseconds())
	}
}

// PlanResponse describes the initial invalidation the next build would
// start from.
type PlanResponse struct {
	Project            string   `json:"project" yaml:"project"`
	TotalSources       int      `json:"totalSources" yaml:"totalSources"`
	Added              []string `json:"added,omitempty" yaml:"added,omitempty"`
	Modified           []string `json:"modified,omitempty" yaml:"modified,omitempty"`
	Removed            []string `json:"removed,omitempty" yaml:"removed,omitempty"`
	ChangedBinaries    []string `json:"changedBinaries,omitempty" yaml:"changedBinaries,omitempty"`
	ChangedExternal    []string `json:"changedExternal,omitempty" yaml:"changedExternal,omitempty"`
	InvalidatedClasses []string `json:"invalidatedClasses,omitempty" yaml:"invalidatedClasses,omitempty"`
	RecompileSources   []string `json:"recompileSources,omitempty" yaml:"recompileSources,omitempty"`
	PendingDeletions   []string `json:"pendingDeletions,omitempty" yaml:"pendingDeletions,omitempty"`
	FullRecompile      bool     `json:"fullRecompile" yaml:"fullRecompile"`
	UpToDate           bool     `json:"upToDate" yaml:"upToDate"`
}

// computePlan runs change detection and initial invalidation against the
// stored analysis, applying the same full-recompile escalation the build
// driver would.
func computePlan(env *buildEnv, logger *logging.Logger) (*PlanResponse, error) {
	sources, err := env.Manifest.Sources(env.Root)
	if err != nil {
		return nil, err
	}

	previous, err := loadPrevious(env)
	if err != nil {
		return nil, err
	}

	ext, err := newExternalLookup(env, logger)
	if err != nil {
		return nil, err
	}

	stamps := newStampProvider(env)
	detector := detect.New(logger)
	if !env.Config.Incremental.UseNameHashing {
		detector = detector.WithoutNameHashing()
	}

	changes := detector.InitialChanges(sources, previous, stamps, ext)
	response := &PlanResponse{
		Project:         env.Manifest.Name,
		TotalSources:    len(sources),
		Added:           changes.Added,
		Modified:        changes.Modified,
		Removed:         changes.Removed,
		ChangedBinaries: changes.ChangedBinaries,
	}
	for _, ec := range changes.ChangedExternal {
		response.ChangedExternal = append(response.ChangedExternal, ec.Name)
	}

	if !changes.HasChanges() {
		response.UpToDate = true
		return response, nil
	}

	inv := detector.InitialInvalidation(changes, previous)
	if inv.IsEmpty() {
		// Upstream inputs moved but nothing here depends on them.
		response.UpToDate = true
		return response, nil
	}

	response.InvalidatedClasses = inv.Classes
	response.RecompileSources = inv.Sources
	for _, p := range inv.PendingDeletions {
		response.PendingDeletions = append(response.PendingDeletions, p.File)
	}

	_, threshold := effectiveOptions(env.Config, env.Manifest)
	if n := len(sources); n > 0 && len(inv.Sources) < n {
		if frac := float64(len(inv.Sources)) / float64(n); frac > threshold {
			response.RecompileSources = sources
		}
	}
	response.FullRecompile = len(sources) > 0 && len(response.RecompileSources) == len(sources)

	return response, nil
}
