package main

import (
	"kiln/internal/version"

	"github.com/spf13/cobra"
)

var (
	// projectFlag is the CLI --project flag value
	projectFlag string
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - incremental compilation analysis",
	Long: `Kiln records what a compiler produced and why, so the next build can
recompile only what a change actually invalidates. It stamps sources and
binaries, hashes public APIs per class, tracks dependencies by context,
and drives invalidation to a fixed point across compilation cycles.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("kiln version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "C", "",
		"Project root (default: walk up from the working directory to kiln.toml)")
}
