package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"kiln/internal/watcher"
)

var (
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch sources and re-plan on change",
	Long: `Watches the project's source directories and recomputes the build plan
whenever files change, after a debounce window. Runs until interrupted.`,
	Run: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9112)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	env := mustGetEnv(newLogger("text"))
	logger := configuredLogger(env.Config)

	// Serialize replans; a burst can fire while the previous one runs.
	var mu sync.Mutex
	replan := func(changed []string) {
		mu.Lock()
		defer mu.Unlock()

		if len(changed) > 0 {
			logger.Info("Files changed", map[string]interface{}{
				"count": len(changed),
				"first": changed[0],
			})
		}
		response, err := computePlan(env, logger)
		if err != nil {
			logger.Error("Plan failed", map[string]interface{}{"error": err.Error()})
			return
		}
		printWatchStatus(response)
	}

	cfg := watcher.Config{
		Debounce:     time.Duration(env.Config.Watch.DebounceMs) * time.Millisecond,
		ExcludeDirs:  env.Config.Watch.ExcludeDirs,
		ExcludeFiles: env.Config.Watch.ExcludeFiles,
		Extensions:   env.Manifest.Extensions,
	}
	w, err := watcher.New(env.Root, cfg, logger, replan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	if err := w.Watch(env.Manifest.SourceDirs); err != nil {
		fmt.Fprintf(os.Stderr, "Error watching sources: %v\n", err)
		os.Exit(1)
	}

	if watchMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: watchMetricsAddr, Handler: mux}
		go func() {
			if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error("Metrics server failed", map[string]interface{}{"error": serveErr.Error()})
			}
		}()
		defer func() { _ = server.Shutdown(newContext()) }()
		logger.Info("Serving metrics", map[string]interface{}{"addr": watchMetricsAddr})
	}

	fmt.Printf("Watching %s (debounce %dms). Press Ctrl-C to stop.\n",
		strings.Join(env.Manifest.SourceDirs, ", "), env.Config.Watch.DebounceMs)
	replan(nil)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	fmt.Println("\nStopping watch.")
}

func printWatchStatus(response *PlanResponse) {
	now := time.Now().Format("15:04:05")
	if response.UpToDate {
		fmt.Printf("[%s] ✓ up to date (%d sources)\n", now, response.TotalSources)
		return
	}
	if response.FullRecompile {
		fmt.Printf("[%s] full recompile pending (%d sources)\n", now, response.TotalSources)
		return
	}
	fmt.Printf("[%s] %d of %d sources pending (+%d ~%d -%d), %d classes invalidated\n",
		now, len(response.RecompileSources), response.TotalSources,
		len(response.Added), len(response.Modified), len(response.Removed),
		len(response.InvalidatedClasses))
}
