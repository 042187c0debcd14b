package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	kilnerrors "kiln/internal/errors"
	"kiln/internal/snapshot"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the stored analysis to a snapshot",
	Long: `Writes the stored analysis as a compressed snapshot file that other
projects can declare as an upstream (default: <name>.kasnap in the
project root).`,
	Args: cobra.MaximumNArgs(1),
	Run:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) {
	logger := newLogger("text")

	env := mustGetEnv(logger)

	a, err := env.Store.ReadAnalysis()
	if err != nil {
		if kilnerrors.IsCode(err, kilnerrors.AnalysisMissing) {
			fmt.Fprintln(os.Stderr, "No analysis to export. Import a snapshot or run a build first.")
		} else {
			fmt.Fprintf(os.Stderr, "Error reading analysis: %v\n", err)
		}
		os.Exit(1)
	}

	path := filepath.Join(env.Root, env.Manifest.Name+snapshot.Extension)
	if len(args) == 1 {
		path = args[0]
	}

	if err := snapshot.WriteFile(path, a); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
		os.Exit(1)
	}

	stats := a.Stats()
	fmt.Printf("Snapshot written to: %s\n", path)
	fmt.Printf("  %d sources, %d classes, %d compilations\n", stats.Sources, stats.Classes, stats.Compilations)
}
