// Package detect computes what changed between two builds and which
// classes and sources those changes invalidate. Everything here is a
// pure function over immutable snapshots; nothing mutates the previous
// analysis.
package detect

import (
	"sort"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
	"kiln/internal/logging"
	"kiln/internal/lookup"
	"kiln/internal/stamp"
)

// ExternalChange pairs the recorded API snapshot of an upstream class
// with its current one.
type ExternalChange struct {
	Name string
	Old  classapi.AnalyzedClass
	New  classapi.AnalyzedClass
}

// Changes is the raw diff between the previous analysis and the
// current world: source stamps, binary stamps, upstream API hashes.
type Changes struct {
	Added    []string
	Modified []string
	Removed  []string

	ChangedBinaries []string
	ChangedExternal []ExternalChange
}

// HasChanges reports whether anything at all moved.
func (c *Changes) HasChanges() bool {
	return len(c.Added) > 0 || len(c.Modified) > 0 || len(c.Removed) > 0 ||
		len(c.ChangedBinaries) > 0 || len(c.ChangedExternal) > 0
}

// ChangedSources returns added plus modified sources, sorted.
func (c *Changes) ChangedSources() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	sort.Strings(out)
	return out
}

// Detector computes changes and initial invalidation.
type Detector struct {
	logger      *logging.Logger
	nameHashing bool
}

// New creates a detector with per-name invalidation enabled.
func New(logger *logging.Logger) *Detector {
	return &Detector{logger: logger, nameHashing: true}
}

// WithoutNameHashing returns a detector whose invalidation skips the
// per-name filter: any upstream shape change reaches every dependent.
func (d *Detector) WithoutNameHashing() *Detector {
	return &Detector{logger: d.logger}
}

// InitialChanges diffs the current sources, binaries, and upstream
// APIs against the previous analysis. Sources with no prior record are
// added; prior sources missing from the input set are removed. A
// binary or upstream class changes when its stamp or API hash moved.
// An upstream class the lookup can no longer resolve counts as changed
// conservatively.
func (d *Detector) InitialChanges(sources []string, previous *analysis.Analysis, stamps stamp.Provider, ext lookup.ExternalLookup) *Changes {
	changes := &Changes{}

	current := make(map[string]bool, len(sources))
	for _, src := range sources {
		current[src] = true
		prev, known := previous.SourceStamps[src]
		if !known {
			changes.Added = append(changes.Added, src)
			continue
		}
		if stamps.Source(src) != prev {
			changes.Modified = append(changes.Modified, src)
		}
	}
	for _, src := range previous.Sources() {
		if !current[src] {
			changes.Removed = append(changes.Removed, src)
		}
	}

	for _, lib := range previous.Relations.LibraryFiles() {
		prev, known := previous.BinaryStamps[lib]
		if !known || stamps.Binary(lib) != prev {
			changes.ChangedBinaries = append(changes.ChangedBinaries, lib)
		}
	}

	for _, name := range previous.Relations.ExternalTargets() {
		old, known := previous.External[name]
		if !known {
			continue
		}
		handle, ok := ext.LookupAnalysis(name)
		if !ok {
			changes.ChangedExternal = append(changes.ChangedExternal, ExternalChange{
				Name: name,
				Old:  old,
				New:  classapi.Empty(name),
			})
			continue
		}
		now := handle.API()
		if externalChanged(old, now) {
			changes.ChangedExternal = append(changes.ChangedExternal, ExternalChange{Name: name, Old: old, New: now})
		}
	}

	sort.Strings(changes.Added)
	sort.Strings(changes.Modified)
	sort.Strings(changes.Removed)
	sort.Strings(changes.ChangedBinaries)
	sort.Slice(changes.ChangedExternal, func(i, j int) bool {
		return changes.ChangedExternal[i].Name < changes.ChangedExternal[j].Name
	})

	d.logger.Debug("Computed initial changes", map[string]interface{}{
		"added":            len(changes.Added),
		"modified":         len(changes.Modified),
		"removed":          len(changes.Removed),
		"changed_binaries": len(changes.ChangedBinaries),
		"changed_external": len(changes.ChangedExternal),
	})
	return changes
}

// externalChanged decides whether an upstream class moved. Hash
// comparison covers the ordinary case; a macro-bearing class can change
// behavior without moving any hash, so any rebuild of it counts.
func externalChanged(old, now classapi.AnalyzedClass) bool {
	if old.APIHash != now.APIHash || len(classapi.ChangedNames(old.NameHashes, now.NameHashes)) > 0 || old.HasMacro != now.HasMacro {
		return true
	}
	if old.HasMacro || now.HasMacro {
		return !now.CompiledAt.Equal(old.CompiledAt)
	}
	return false
}

// Invalidation is the initial recompile plan for one build.
type Invalidation struct {
	// Classes invalidated before the first cycle runs.
	Classes []string
	// Sources to hand the front end in the first cycle.
	Sources []string
	// RemovedSources are pruned from the analysis without recompiling.
	RemovedSources []string
	// PendingDeletions are products of removed sources, scheduled for
	// the class file manager.
	PendingDeletions []analysis.Product
	// ChangedBinaries and ChangedExternalClasses feed the front end's
	// dependency-change view.
	ChangedBinaries        []string
	ChangedExternalClasses []string
}

// IsEmpty reports whether nothing needs recompiling or pruning.
func (inv *Invalidation) IsEmpty() bool {
	return len(inv.Sources) == 0 && len(inv.RemovedSources) == 0
}

// InitialInvalidation folds raw changes into the first cycle's plan.
// Changed sources invalidate themselves; their downstream effects are
// discovered after the cycle by API comparison. Removed sources have
// no next API to compare, so their dependents are invalidated now, as
// are users of changed binaries and upstream classes.
func (d *Detector) InitialInvalidation(changes *Changes, previous *analysis.Analysis) *Invalidation {
	inv := &Invalidation{
		RemovedSources:  changes.Removed,
		ChangedBinaries: changes.ChangedBinaries,
	}
	invalidator := NewInvalidator(previous)
	if !d.nameHashing {
		invalidator = invalidator.WithoutNameHashing()
	}

	classes := make(map[string]bool)
	sources := make(map[string]bool)
	for _, src := range changes.ChangedSources() {
		sources[src] = true
	}

	for _, src := range changes.Removed {
		inv.PendingDeletions = append(inv.PendingDeletions, previous.Relations.ProductsOf(src)...)
		for _, class := range previous.Relations.ClassesOf(src) {
			old, ok := previous.APIOf(class)
			if !ok {
				old = classapi.Empty(class)
			}
			for dep := range invalidator.InternalDependents(class, old, classapi.Empty(class)) {
				classes[dep] = true
			}
		}
	}

	for _, ec := range changes.ChangedExternal {
		inv.ChangedExternalClasses = append(inv.ChangedExternalClasses, ec.Name)
		for dep := range invalidator.ExternalDependents(ec.Name, ec.Old, ec.New) {
			classes[dep] = true
		}
	}

	for class := range invalidator.TransitiveInheritance(classes) {
		classes[class] = true
	}
	for class := range classes {
		if src, ok := previous.Relations.SourceOfClass(class); ok {
			sources[src] = true
		}
	}
	for _, lib := range changes.ChangedBinaries {
		for _, src := range previous.Relations.LibraryDependentsOf(lib) {
			sources[src] = true
		}
	}

	inv.Classes = setToSlice(classes)
	inv.Sources = setToSlice(sources)

	d.logger.Info("Initial invalidation computed", map[string]interface{}{
		"classes": len(inv.Classes),
		"sources": len(inv.Sources),
		"removed": len(inv.RemovedSources),
	})
	return inv
}

func setToSlice(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
