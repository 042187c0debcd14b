package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	buildFormat string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Check whether the project is up to date",
	Long: `Runs full change detection and reports what a build would recompile.
Kiln does not embed a compiler: compilation runs through the library API
with a front end supplied by the embedding build tool. This command exits
with status 1 when work is pending, so scripts can gate on freshness.`,
	Run: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildFormat, "format", "text", "Output format (text, json, yaml)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) {
	start := time.Now()
	logger := newLogger(buildFormat)

	env := mustGetEnv(logger)

	response, err := computePlan(env, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	maxCycles, threshold := effectiveOptions(env.Config, env.Manifest)
	logger.Info("Build check finished", map[string]interface{}{
		"project":         response.Project,
		"up_to_date":      response.UpToDate,
		"recompile":       len(response.RecompileSources),
		"total":           response.TotalSources,
		"max_cycles":      maxCycles,
		"threshold":       threshold,
		"transitive_step": env.Config.Incremental.TransitiveStep,
		"duration_ms":     time.Since(start).Milliseconds(),
	})

	output, err := FormatResponse(response, OutputFormat(buildFormat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(output)

	if !response.UpToDate {
		os.Exit(1)
	}
}
