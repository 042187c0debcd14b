package detect

import (
	"kiln/internal/analysis"
	"kiln/internal/classapi"
)

// Invalidator applies the invalidation rules against one previous
// analysis: macro conservatism first, then whole-API hash, then
// per-name hashes, in strictly decreasing coarseness.
type Invalidator struct {
	previous    *analysis.Analysis
	nameHashing bool
}

// NewInvalidator wraps a previous analysis. Per-name filtering is
// enabled; see WithoutNameHashing.
func NewInvalidator(previous *analysis.Analysis) *Invalidator {
	return &Invalidator{previous: previous, nameHashing: true}
}

// WithoutNameHashing returns an invalidator that treats any name-hash
// movement like an API-shape change: every dependent recompiles, not
// just the ones using a changed name. Strictly coarser, never misses.
func (iv *Invalidator) WithoutNameHashing() *Invalidator {
	return &Invalidator{previous: iv.previous}
}

// InternalDependents returns the classes to invalidate after an
// internal class changed from old to new.
func (iv *Invalidator) InternalDependents(class string, old, new classapi.AnalyzedClass) map[string]bool {
	return iv.dependents(class, old, new, iv.previous.Relations.InternalDependentsOf)
}

// ExternalDependents returns the classes of this project to invalidate
// after an upstream class changed from old to new.
func (iv *Invalidator) ExternalDependents(binaryClassName string, old, new classapi.AnalyzedClass) map[string]bool {
	return iv.dependents(binaryClassName, old, new, iv.previous.Relations.ExternalDependentsOf)
}

func (iv *Invalidator) dependents(class string, old, new classapi.AnalyzedClass, dependentsOf func(string, ...analysis.DependencyContext) []string) map[string]bool {
	out := make(map[string]bool)

	// Macros can change behavior without changing any observable
	// shape, so every dependent recompiles on any change at all.
	if old.HasMacro || new.HasMacro {
		for _, dep := range dependentsOf(class) {
			out[dep] = true
		}
		return out
	}

	if old.APIHash != new.APIHash {
		for _, dep := range dependentsOf(class) {
			out[dep] = true
		}
		return out
	}

	// Same API hash: only member-reference dependents that actually
	// use a name whose hash moved are affected. Inheritance dependents
	// see non-public shape too, so any name change reaches them.
	changed := classapi.ChangedNames(old.NameHashes, new.NameHashes)
	if len(changed) == 0 {
		return out
	}
	if !iv.nameHashing {
		for _, dep := range dependentsOf(class) {
			out[dep] = true
		}
		return out
	}
	for _, dep := range dependentsOf(class, analysis.Inheritance, analysis.LocalInheritance) {
		out[dep] = true
	}
	used := iv.previous.Relations
	for _, dep := range dependentsOf(class, analysis.MemberRef) {
		names := used.UsedNamesOf(dep)
		for name, scopes := range changed {
			if names[name].Intersects(scopes) {
				out[dep] = true
				break
			}
		}
	}
	return out
}

// TransitiveInheritance expands an invalidated class set along
// inheritance edges: a subclass of an invalidated class is itself
// invalidated, recursively. Local inheritance dependents join the set
// but are not traversed further; a local class is confined to its
// defining scope.
func (iv *Invalidator) TransitiveInheritance(seed map[string]bool) map[string]bool {
	out := make(map[string]bool, len(seed))
	queue := make([]string, 0, len(seed))
	for class := range seed {
		out[class] = true
		queue = append(queue, class)
	}

	rel := iv.previous.Relations
	for len(queue) > 0 {
		class := queue[0]
		queue = queue[1:]

		for _, dep := range rel.InternalDependentsOf(class, analysis.Inheritance) {
			if !out[dep] {
				out[dep] = true
				queue = append(queue, dep)
			}
		}
		for _, dep := range rel.InternalDependentsOf(class, analysis.LocalInheritance) {
			out[dep] = true
		}
	}
	return out
}

// SourcesOf maps invalidated classes back to their defining sources.
func (iv *Invalidator) SourcesOf(classes map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for class := range classes {
		if src, ok := iv.previous.Relations.SourceOfClass(class); ok {
			out[src] = true
		}
	}
	return out
}
