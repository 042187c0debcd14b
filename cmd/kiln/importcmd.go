package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kiln/internal/snapshot"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an analysis snapshot",
	Long: `Replaces the stored analysis with the contents of a snapshot file,
typically one produced by 'kiln export' in another checkout.`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) {
	logger := newLogger("text")

	env := mustGetEnv(logger)

	a, err := snapshot.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading snapshot: %v\n", err)
		os.Exit(1)
	}

	if err := env.Store.WriteAnalysis(a); err != nil {
		fmt.Fprintf(os.Stderr, "Error storing analysis: %v\n", err)
		os.Exit(1)
	}

	stats := a.Stats()
	fmt.Printf("Analysis imported from: %s\n", args[0])
	fmt.Printf("  %d sources, %d classes, %d compilations\n", stats.Sources, stats.Classes, stats.Compilations)
}
