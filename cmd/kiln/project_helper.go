package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"kiln/internal/analysis"
	"kiln/internal/config"
	kilnerrors "kiln/internal/errors"
	"kiln/internal/logging"
	"kiln/internal/lookup"
	"kiln/internal/project"
	"kiln/internal/stamp"
	"kiln/internal/storage"
)

// buildEnv bundles what every command needs: the project root, its
// manifest and configuration, and the open analysis store.
type buildEnv struct {
	Root     string
	Manifest *project.Manifest
	Config   *config.Config
	DB       *storage.DB
	Store    *storage.AnalysisStore
}

var (
	envOnce   sync.Once
	sharedEnv *buildEnv
	envErr    error
)

// getEnv returns the shared command environment.
// The environment is lazily initialized on first use.
func getEnv(logger *logging.Logger) (*buildEnv, error) {
	envOnce.Do(func() {
		root, err := getProjectRoot()
		if err != nil {
			envErr = err
			return
		}

		manifest, err := project.Load(root)
		if err != nil {
			envErr = err
			return
		}

		// Load configuration
		cfg, err := config.LoadConfig(root)
		if err != nil {
			logger.Warn("Failed to load config, using defaults", map[string]interface{}{
				"error": err.Error(),
			})
			cfg = config.DefaultConfig()
		}

		// Open storage
		db, err := storage.Open(root, logger)
		if err != nil {
			envErr = fmt.Errorf("failed to open database: %w", err)
			return
		}

		sharedEnv = &buildEnv{
			Root:     root,
			Manifest: manifest,
			Config:   cfg,
			DB:       db,
			Store:    storage.NewAnalysisStore(db, logger),
		}
	})

	return sharedEnv, envErr
}

// mustGetEnv returns the shared command environment or exits on error.
func mustGetEnv(logger *logging.Logger) *buildEnv {
	env, err := getEnv(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return env
}

// getProjectRoot resolves the project root from the --project flag or by
// walking up from the working directory to the nearest kiln.toml.
func getProjectRoot() (string, error) {
	if projectFlag != "" {
		return filepath.Abs(projectFlag)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return project.FindRoot(cwd)
}

// loadPrevious reads the stored analysis, treating a missing one as empty
// so fresh projects plan everything as added.
func loadPrevious(env *buildEnv) (*analysis.Analysis, error) {
	previous, err := env.Store.ReadAnalysis()
	if err != nil {
		if kilnerrors.IsCode(err, kilnerrors.AnalysisMissing) {
			return analysis.Empty(), nil
		}
		return nil, err
	}
	return previous, nil
}

// newStampProvider builds the stamp provider commands diff against:
// hashes resolved relative to the project root, memoized per run.
func newStampProvider(env *buildEnv) stamp.Provider {
	inner := stamp.NewFileProvider()
	inner.HashProducts = env.Config.Incremental.HashProducts
	return stamp.NewCached(&stamp.Rooted{Root: env.Root, Inner: inner})
}

// newExternalLookup loads the upstream registry when the project declares
// one. An explicitly configured file must exist; the conventional
// upstreams.toml is optional and its absence means no upstreams.
func newExternalLookup(env *buildEnv, logger *logging.Logger) (lookup.ExternalLookup, error) {
	declared := env.Manifest.UpstreamsFile
	path := declared
	if path == "" {
		path = lookup.UpstreamsFileName
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(env.Root, path)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && declared == "" {
			return lookup.None{}, nil
		}
		return nil, kilnerrors.New(kilnerrors.ProjectInvalid, "upstreams file not readable: "+path, err)
	}

	cfg, err := lookup.LoadRegistryConfig(path)
	if err != nil {
		return nil, err
	}
	return lookup.NewRegistry(cfg, logger)
}

// effectiveOptions merges the configured defaults with the manifest's
// per-project overrides.
func effectiveOptions(cfg *config.Config, m *project.Manifest) (maxCycles int, recompileAllFraction float64) {
	maxCycles = cfg.Incremental.MaxCycles
	recompileAllFraction = cfg.Incremental.RecompileAllFraction
	if m.Options.MaxCycles != nil {
		maxCycles = *m.Options.MaxCycles
	}
	if m.Options.RecompileAllFraction != nil {
		recompileAllFraction = *m.Options.RecompileAllFraction
	}
	return maxCycles, recompileAllFraction
}

// newContext creates a new context for command execution.
func newContext() context.Context {
	return context.Background()
}

// newLogger creates a logger matching the requested output format, so
// json output comes with json logs on stderr.
func newLogger(format string) *logging.Logger {
	logFormat := logging.HumanFormat
	if format == "json" {
		logFormat = logging.JSONFormat
	}
	return logging.New(logging.Config{
		Format: logFormat,
		Level:  logging.InfoLevel,
	})
}

// configuredLogger builds a logger from the project's logging settings.
// Long-running commands use it once the config is known.
func configuredLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Format: logging.ParseFormat(cfg.Logging.Format),
		Level:  logging.ParseLevel(cfg.Logging.Level),
	})
}
