package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	kilnerrors "kiln/internal/errors"
	"kiln/internal/logging"
	"kiln/internal/project"
)

var (
	initForce bool
	initName  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a kiln project",
	Long:  "Creates kiln.toml and a .kiln/ directory with default configuration in the current directory",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Force reinitialization (removes the existing .kiln directory, including stored analysis)")
	initCmd.Flags().StringVar(&initName, "name", "", "Project name (default: directory name)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Format: logging.HumanFormat,
		Level:  logging.InfoLevel,
	})

	root := projectFlag
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return kilnerrors.New(kilnerrors.InternalError, "failed to get current directory", err)
		}
		root = cwd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return kilnerrors.New(kilnerrors.InternalError, "failed to resolve project root", err)
	}

	// Check if .kiln already exists
	kilnDir := filepath.Join(root, ".kiln")
	if _, statErr := os.Stat(kilnDir); statErr == nil {
		if !initForce {
			// Idempotent behavior: already initialized is success (CI-friendly)
			fmt.Println("Kiln already initialized.")
			fmt.Printf("Configuration at: %s\n", filepath.Join(kilnDir, "config.json"))
			fmt.Println("\nRun 'kiln init --force' to reinitialize.")
			return nil
		}
		if removeErr := os.RemoveAll(kilnDir); removeErr != nil {
			return kilnerrors.New(kilnerrors.InternalError, "failed to remove existing .kiln directory", removeErr)
		}
		logger.Info("Removed existing .kiln directory", nil)
	}

	// Write a minimal manifest unless the project already has one.
	// An existing kiln.toml is user-authored and survives --force.
	manifestPath := filepath.Join(root, project.ManifestName)
	wroteManifest := false
	if _, statErr := os.Stat(manifestPath); os.IsNotExist(statErr) {
		name := initName
		if name == "" {
			name = filepath.Base(root)
		}
		manifest := &project.Manifest{Version: project.CurrentVersion, Name: name}
		if saveErr := manifest.Save(root); saveErr != nil {
			return saveErr
		}
		wroteManifest = true
	}

	// Create default config under .kiln/
	cfg := config.DefaultConfig()
	if saveErr := cfg.Save(root); saveErr != nil {
		return saveErr
	}
	configPath := filepath.Join(kilnDir, "config.json")

	logger.Info("Kiln initialized", map[string]interface{}{
		"root":        root,
		"config_path": configPath,
	})

	fmt.Println("Kiln initialized successfully!")
	if wroteManifest {
		fmt.Printf("Manifest written to: %s\n", manifestPath)
	}
	fmt.Printf("Configuration written to: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit kiln.toml: set source_dirs, extensions, and classpath")
	fmt.Println("  2. Run 'kiln plan' to see what a first build would compile")

	return nil
}
