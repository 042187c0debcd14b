// Package driver runs incremental builds to a fixed point. Each build
// detects changed inputs, invalidates the affected sources, and then
// alternates compile and invalidation cycles until no source's API
// change reaches any source that has not already seen it.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
	"kiln/internal/compile"
	"kiln/internal/detect"
	kilnerrors "kiln/internal/errors"
	"kiln/internal/logging"
	"kiln/internal/lookup"
	"kiln/internal/observability"
	"kiln/internal/recorder"
	"kiln/internal/stamp"
)

const (
	// DefaultMaxCycles bounds a single build. A healthy project
	// converges in a handful of cycles; hitting the bound means the
	// dependency graph is oscillating.
	DefaultMaxCycles = 50

	// DefaultRecompileAllFraction is the invalidated-source fraction
	// above which a build gives up on being selective and recompiles
	// everything in one cycle.
	DefaultRecompileAllFraction = 0.5

	// DefaultTransitiveStep is the cycle count after which invalidation
	// stops being surgical and takes the full downstream closure of
	// every still-changing class.
	DefaultTransitiveStep = 3
)

// Options tune how the driver schedules cycles.
type Options struct {
	MaxCycles            int
	RecompileAllFraction float64
	// TransitiveStep escalates invalidation after this many cycles:
	// later cycles recompile every transitive dependent of a changed
	// class, which forces convergence on oscillating graphs well
	// before MaxCycles.
	TransitiveStep int
	// DisableNameHashing turns off per-name invalidation filtering;
	// any upstream shape change then reaches every dependent.
	DisableNameHashing bool
	// SharedUnit admits sources that parallel compile workers may
	// legitimately start more than once within a cycle.
	SharedUnit func(source string) bool
}

func (o Options) withDefaults() Options {
	if o.MaxCycles <= 0 {
		o.MaxCycles = DefaultMaxCycles
	}
	if o.RecompileAllFraction <= 0 || o.RecompileAllFraction > 1 {
		o.RecompileAllFraction = DefaultRecompileAllFraction
	}
	if o.TransitiveStep <= 0 {
		o.TransitiveStep = DefaultTransitiveStep
	}
	return o
}

// Input carries everything one build needs.
type Input struct {
	// Sources is the full set of source files in the project, not just
	// the changed ones. The driver works out the difference itself.
	Sources []string
	// Previous is the analysis from the last successful build, or nil
	// for a clean build.
	Previous *analysis.Analysis
	// Stamps reads file stamps. The driver caches it for the duration
	// of the build so every decision sees one consistent snapshot.
	Stamps stamp.Provider
	// Lookup resolves binary class names against upstream projects.
	Lookup lookup.ExternalLookup
	// FrontEnd performs the actual compilation.
	FrontEnd compile.FrontEnd
	// Manager owns generated class files for the whole build.
	Manager compile.ClassFileManager
	// OutputDir is recorded in compilation metadata.
	OutputDir string
}

// Result is what a finished build hands back.
type Result struct {
	// Analysis is the merged analysis after the build. On a cancelled
	// or unchanged build this is the previous analysis, untouched.
	Analysis *analysis.Analysis
	// HasChanges reports whether Analysis differs from the previous
	// build's.
	HasChanges bool
	// Cancelled reports that the build stopped early and rolled back.
	Cancelled bool
	// Cycles is the number of compile cycles the build ran.
	Cycles int
	// Recompiled counts source compilations summed over all cycles.
	Recompiled int
}

type phase string

const (
	phaseDetecting    phase = "detecting"
	phaseCompiling    phase = "compiling"
	phaseInvalidating phase = "invalidating"
	phaseConverged    phase = "converged"
	phaseFailed       phase = "failed"
	phaseCancelled    phase = "cancelled"
)

// Driver coordinates incremental builds.
type Driver struct {
	opts     Options
	detector *detect.Detector
	logger   *logging.Logger
}

// New creates a driver with the given options.
func New(logger *logging.Logger, opts Options) *Driver {
	if logger == nil {
		logger = logging.Nop()
	}
	detector := detect.New(logger)
	if opts.DisableNameHashing {
		detector = detector.WithoutNameHashing()
	}
	return &Driver{
		opts:     opts.withDefaults(),
		detector: detector,
		logger:   logger,
	}
}

// Build runs one incremental build. Cancellation is not an error: the
// build rolls back generated class files and returns the previous
// analysis with Cancelled set. Compile failures also roll back, so a
// failed build leaves the output directory as the last successful
// build wrote it. The class file manager's Complete is called exactly
// once on every path out of this function, including panics.
func (d *Driver) Build(ctx context.Context, in Input) (Result, error) {
	if in.Manager == nil {
		return Result{}, kilnerrors.New(kilnerrors.ContractViolation, "build requires a class file manager", nil)
	}
	if in.FrontEnd == nil {
		// Nothing is staged yet, but the manager still gets its single
		// Complete before the build exits.
		if err := in.Manager.Complete(false); err != nil {
			d.logger.Warn("Class file manager completion failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return Result{}, kilnerrors.New(kilnerrors.ContractViolation, "build requires a front end", nil)
	}
	previous := in.Previous
	if previous == nil {
		previous = analysis.Empty()
	}
	ext := in.Lookup
	if ext == nil {
		ext = lookup.None{}
	}
	inner := in.Stamps
	if inner == nil {
		inner = stamp.NewFileProvider()
	}
	stamps := stamp.NewCached(inner)

	buildID := uuid.New().String()
	start := time.Now()
	observability.BuildsStartedTotal.Inc()

	cur := phaseDetecting
	step := func(next phase) {
		d.logger.Debug("Build phase", map[string]interface{}{
			"buildId": buildID,
			"from":    string(cur),
			"to":      string(next),
		})
		cur = next
	}

	completed := false
	complete := func(success bool) {
		if completed {
			return
		}
		completed = true
		if !success {
			observability.RollbacksTotal.Inc()
		}
		if err := in.Manager.Complete(success); err != nil {
			d.logger.Warn("Class file manager completion failed", map[string]interface{}{
				"buildId": buildID,
				"success": success,
				"error":   err.Error(),
			})
		}
	}
	defer func() {
		if r := recover(); r != nil {
			complete(false)
			panic(r)
		}
	}()

	d.logger.Info("Starting build", map[string]interface{}{
		"buildId":   buildID,
		"sources":   len(in.Sources),
		"outputDir": in.OutputDir,
	})

	changes := d.detector.InitialChanges(in.Sources, previous, stamps, ext)
	if !changes.HasChanges() {
		step(phaseConverged)
		complete(true)
		observability.BuildsCompletedTotal.WithLabelValues("unchanged").Inc()
		d.logger.Info("Everything up to date", map[string]interface{}{"buildId": buildID})
		return Result{Analysis: previous}, nil
	}

	inv := d.detector.InitialInvalidation(changes, previous)
	if inv.IsEmpty() {
		// Upstream inputs moved but nothing here depends on them.
		step(phaseConverged)
		complete(true)
		observability.BuildsCompletedTotal.WithLabelValues("unchanged").Inc()
		return Result{Analysis: previous}, nil
	}

	invalidated := make(map[string]bool, len(inv.Sources))
	for _, src := range inv.Sources {
		invalidated[src] = true
	}
	if n := len(in.Sources); n > 0 && len(invalidated) < n {
		if frac := float64(len(invalidated)) / float64(n); frac > d.opts.RecompileAllFraction {
			d.logger.Info("Invalidation crossed threshold, recompiling all sources", map[string]interface{}{
				"buildId":     buildID,
				"invalidated": len(invalidated),
				"total":       n,
			})
			for _, src := range in.Sources {
				invalidated[src] = true
			}
		}
	}

	var doomed []string
	for _, p := range inv.PendingDeletions {
		doomed = append(doomed, p.File)
	}
	for src := range invalidated {
		for _, p := range previous.Relations.ProductsOf(src) {
			doomed = append(doomed, p.File)
		}
	}
	sort.Strings(doomed)
	if err := d.deleteStale(in.Manager, doomed); err != nil {
		step(phaseFailed)
		complete(false)
		observability.BuildsCompletedTotal.WithLabelValues("failed").Inc()
		return Result{}, err
	}

	depChanges := compile.DependencyChanges{
		ChangedBinaries:        inv.ChangedBinaries,
		ChangedExternalClasses: inv.ChangedExternalClasses,
	}
	working := previous
	origins := make(recorder.OriginMap)
	pruned := inv.RemovedSources
	recompiled := 0
	cycle := 0

	for {
		if ctx.Err() != nil {
			step(phaseCancelled)
			return d.finishCancelled(complete, previous, buildID, cycle), nil
		}
		if cycle >= d.opts.MaxCycles {
			step(phaseFailed)
			complete(false)
			observability.BuildsCompletedTotal.WithLabelValues("failed").Inc()
			return Result{}, kilnerrors.New(kilnerrors.CycleLimit,
				fmt.Sprintf("no fixed point after %d cycles", cycle), nil).
				WithDetails(map[string]interface{}{"pending": len(invalidated)})
		}

		sources := sortedKeys(invalidated)
		observability.InvalidatedSources.Set(float64(len(sources)))

		rec := recorder.New(recorder.Config{
			Stamps:        stamps,
			Lookup:        ext,
			EarlierCycles: origins,
			SharedUnit:    d.opts.SharedUnit,
			Compilation: analysis.Compilation{
				ID:        buildID,
				StartedAt: time.Now(),
				OutputDir: in.OutputDir,
				Cycle:     cycle,
			},
		})

		// A removed-only build has nothing to compile but still merges
		// its prune below.
		if len(sources) > 0 {
			step(phaseCompiling)
			d.logger.Info("Compiling", map[string]interface{}{
				"buildId": buildID,
				"cycle":   cycle,
				"sources": len(sources),
			})
			compileStart := time.Now()
			cerr := in.FrontEnd.Compile(ctx, sources, depChanges, rec, in.Manager)
			observability.CompileDuration.Observe(time.Since(compileStart).Seconds())
			if cerr != nil {
				if wasCancelled(ctx, cerr) {
					step(phaseCancelled)
					return d.finishCancelled(complete, previous, buildID, cycle), nil
				}
				step(phaseFailed)
				complete(false)
				observability.BuildsCompletedTotal.WithLabelValues("failed").Inc()
				d.logger.Error("Compilation failed", map[string]interface{}{
					"buildId": buildID,
					"cycle":   cycle,
					"error":   cerr.Error(),
				})
				return Result{}, kilnerrors.New(kilnerrors.CompileFailed,
					fmt.Sprintf("cycle %d compilation failed", cycle), cerr).
					WithDetails(map[string]interface{}{
						"sources":   len(sources),
						"outputDir": in.OutputDir,
					})
			}
			if ctx.Err() != nil {
				step(phaseCancelled)
				return d.finishCancelled(complete, previous, buildID, cycle), nil
			}
			recompiled += len(sources)
		}

		result := rec.Finalize()

		step(phaseInvalidating)
		transitive := cycle+1 >= d.opts.TransitiveStep
		next := d.nextInvalidation(working, result, invalidated, transitive)

		mergeStart := time.Now()
		working = working.Merge(pruned, result)
		observability.MergeDuration.Observe(time.Since(mergeStart).Seconds())
		pruned = nil
		origins.Absorb(result)
		cycle++

		if len(next) == 0 {
			step(phaseConverged)
			complete(true)
			stats := working.Stats()
			observability.CyclesPerBuild.Observe(float64(cycle))
			observability.AnalysisSources.Set(float64(stats.Sources))
			observability.AnalysisClasses.Set(float64(stats.Classes))
			observability.BuildsCompletedTotal.WithLabelValues("success").Inc()
			d.logger.Info("Build converged", map[string]interface{}{
				"buildId":    buildID,
				"cycles":     cycle,
				"recompiled": recompiled,
				"sources":    stats.Sources,
				"classes":    stats.Classes,
				"durationMs": time.Since(start).Milliseconds(),
			})
			return Result{
				Analysis:   working,
				HasChanges: true,
				Cycles:     cycle,
				Recompiled: recompiled,
			}, nil
		}

		d.logger.Info("API changes ripple to dependents", map[string]interface{}{
			"buildId":    buildID,
			"cycle":      cycle - 1,
			"next":       len(next),
			"transitive": transitive,
		})

		var stale []string
		for _, src := range next {
			for _, p := range working.Relations.ProductsOf(src) {
				stale = append(stale, p.File)
			}
		}
		if err := d.deleteStale(in.Manager, stale); err != nil {
			step(phaseFailed)
			complete(false)
			observability.BuildsCompletedTotal.WithLabelValues("failed").Inc()
			return Result{}, err
		}

		invalidated = make(map[string]bool, len(next))
		for _, src := range next {
			invalidated[src] = true
		}
	}
}

// nextInvalidation compares the APIs recorded this cycle against the
// analysis as it stood before the merge and returns the sources the
// next cycle must compile. Sources compiled this cycle saw each
// other's new APIs already, so they are excluded; a source from an
// earlier cycle can come back if a later API change reaches it. In
// transitive mode the changed set expands to the full downstream
// closure before mapping back to sources.
func (d *Driver) nextInvalidation(before *analysis.Analysis, result *analysis.CycleResult, compiled map[string]bool, transitive bool) []string {
	iv := detect.NewInvalidator(before)
	if d.opts.DisableNameHashing {
		iv = iv.WithoutNameHashing()
	}

	fresh := make(map[string]classapi.AnalyzedClass)
	for _, rec := range result.Records {
		for _, ac := range rec.APIs {
			fresh[ac.Name] = ac
		}
	}
	names := make(map[string]bool, len(fresh))
	for name := range fresh {
		names[name] = true
	}
	// Classes the recompiled sources used to define but no longer do
	// count as changed to nothing.
	for src := range compiled {
		for _, class := range before.Relations.ClassesOf(src) {
			names[class] = true
		}
	}

	changed := make(map[string]bool)
	for name := range names {
		oldAPI, ok := before.APIOf(name)
		if !ok {
			oldAPI = classapi.Empty(name)
		}
		newAPI, ok := fresh[name]
		if !ok {
			newAPI = classapi.Empty(name)
		}
		for dep := range iv.InternalDependents(name, oldAPI, newAPI) {
			changed[dep] = true
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if transitive {
		changed = transitiveDependents(before.Relations, changed)
	}

	var next []string
	for src := range iv.SourcesOf(iv.TransitiveInheritance(changed)) {
		if !compiled[src] {
			next = append(next, src)
		}
	}
	sort.Strings(next)
	return next
}

// transitiveDependents expands a changed-class set to every class
// reachable over reverse dependency edges in any context.
func transitiveDependents(rel *analysis.Relations, seed map[string]bool) map[string]bool {
	out := make(map[string]bool, len(seed))
	queue := make([]string, 0, len(seed))
	for class := range seed {
		out[class] = true
		queue = append(queue, class)
	}
	for len(queue) > 0 {
		class := queue[0]
		queue = queue[1:]
		for _, dep := range rel.InternalDependentsOf(class) {
			if !out[dep] {
				out[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return out
}

func (d *Driver) deleteStale(manager compile.ClassFileManager, files []string) error {
	if len(files) == 0 {
		return nil
	}
	if err := manager.Delete(files); err != nil {
		return kilnerrors.New(kilnerrors.InternalError, "failed to delete stale class files", err)
	}
	return nil
}

func (d *Driver) finishCancelled(complete func(bool), previous *analysis.Analysis, buildID string, cycles int) Result {
	complete(false)
	observability.BuildsCompletedTotal.WithLabelValues("cancelled").Inc()
	d.logger.Info("Build cancelled, previous analysis kept", map[string]interface{}{
		"buildId": buildID,
		"cycles":  cycles,
	})
	return Result{Analysis: previous, Cancelled: true, Cycles: cycles}
}

func wasCancelled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		kilnerrors.IsCode(err, kilnerrors.BuildCancelled)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
