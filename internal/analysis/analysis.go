// Package analysis holds the build's recorded dependency graph: stamps,
// per-class API records, relations between sources, classes, products,
// and libraries, and per-source diagnostics. An Analysis is the output
// of one build and the immutable input of the next; merging replaces
// per-source records wholesale, it never edits them in place.
package analysis

import (
	"sort"
	"time"

	"kiln/internal/classapi"
	"kiln/internal/stamp"
)

// Severity of a compiler diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Problem is one diagnostic attached to a source position.
type Problem struct {
	Source   string
	Line     int
	Column   int
	Message  string
	Severity Severity
	Category string
}

// SourceInfo buckets a source's diagnostics by whether they were
// already surfaced to the user, so the orchestrator never reports the
// same problem twice across cycles.
type SourceInfo struct {
	Reported    []Problem
	Unreported  []Problem
	MainClasses []string
}

func (si *SourceInfo) clone() *SourceInfo {
	return &SourceInfo{
		Reported:    append([]Problem(nil), si.Reported...),
		Unreported:  append([]Problem(nil), si.Unreported...),
		MainClasses: append([]string(nil), si.MainClasses...),
	}
}

// Compilation is the metadata of one compile cycle.
type Compilation struct {
	ID        string
	StartedAt time.Time
	OutputDir string
	Cycle     int
}

// Analysis is the aggregate store.
type Analysis struct {
	SourceStamps map[string]stamp.Stamp
	BinaryStamps map[string]stamp.Stamp

	// Internal maps source class name -> API record for classes
	// compiled in this project. External maps binary class name ->
	// the API snapshot observed when the dependency was recorded.
	Internal map[string]classapi.AnalyzedClass
	External map[string]classapi.AnalyzedClass

	Relations    *Relations
	Infos        map[string]*SourceInfo
	Compilations []Compilation
}

// Empty returns an Analysis with no recorded facts.
func Empty() *Analysis {
	return &Analysis{
		SourceStamps: make(map[string]stamp.Stamp),
		BinaryStamps: make(map[string]stamp.Stamp),
		Internal:     make(map[string]classapi.AnalyzedClass),
		External:     make(map[string]classapi.AnalyzedClass),
		Relations:    NewRelations(),
		Infos:        make(map[string]*SourceInfo),
	}
}

// Clone deep-copies the analysis so a merge never aliases its input.
func (a *Analysis) Clone() *Analysis {
	out := &Analysis{
		SourceStamps: make(map[string]stamp.Stamp, len(a.SourceStamps)),
		BinaryStamps: make(map[string]stamp.Stamp, len(a.BinaryStamps)),
		Internal:     make(map[string]classapi.AnalyzedClass, len(a.Internal)),
		External:     make(map[string]classapi.AnalyzedClass, len(a.External)),
		Relations:    a.Relations.Clone(),
		Infos:        make(map[string]*SourceInfo, len(a.Infos)),
		Compilations: append([]Compilation(nil), a.Compilations...),
	}
	for k, v := range a.SourceStamps {
		out.SourceStamps[k] = v
	}
	for k, v := range a.BinaryStamps {
		out.BinaryStamps[k] = v
	}
	for k, v := range a.Internal {
		out.Internal[k] = v
	}
	for k, v := range a.External {
		out.External[k] = v
	}
	for k, v := range a.Infos {
		out.Infos[k] = v.clone()
	}
	return out
}

// Sources returns every source file with a stamp, sorted.
func (a *Analysis) Sources() []string {
	out := make([]string, 0, len(a.SourceStamps))
	for s := range a.SourceStamps {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// APIOf returns the internal API record for a source class name.
func (a *Analysis) APIOf(className string) (classapi.AnalyzedClass, bool) {
	ac, ok := a.Internal[className]
	return ac, ok
}

// Merge folds one cycle's recorded facts into a new Analysis. Records
// for pruned sources are removed first, then each reported source's
// record replaces whatever the store held for it. Later cycles win for
// the same source, which keeps repeated merges within one build
// equivalent to merging the union of their facts.
func (a *Analysis) Merge(pruned []string, result *CycleResult) *Analysis {
	out := a.Clone()

	for _, src := range pruned {
		out.removeSource(src)
	}
	for _, src := range result.SourceOrder() {
		out.removeSource(src)
		out.insertRecord(result.Records[src])
	}
	for name, snapshot := range result.ExternalAPIs {
		out.External[name] = snapshot
	}
	for file, st := range result.BinaryStamps {
		out.BinaryStamps[file] = st
	}
	out.Compilations = append(out.Compilations, result.Compilation)
	return out
}

// removeSource drops every fact owned by one source file.
func (a *Analysis) removeSource(source string) {
	for _, class := range a.Relations.ClassesOf(source) {
		delete(a.Internal, class)
	}
	a.Relations.removeSource(source)
	delete(a.SourceStamps, source)
	delete(a.Infos, source)
}

// insertRecord installs one source's freshly recorded facts.
func (a *Analysis) insertRecord(rec *SourceRecord) {
	a.SourceStamps[rec.Source] = rec.Stamp

	for _, class := range rec.Classes {
		a.Relations.AddClass(rec.Source, class)
	}
	for _, ac := range rec.APIs {
		a.Internal[ac.Name] = ac
	}
	for _, p := range rec.Products {
		a.Relations.AddProduct(rec.Source, p)
	}
	for _, dep := range rec.InternalDeps {
		a.Relations.AddInternalDependency(dep.From, dep.To, dep.Context)
	}
	for _, dep := range rec.ExternalDeps {
		a.Relations.AddExternalDependency(dep.From, dep.ToBinaryClass, dep.Context)
	}
	for _, dep := range rec.LibraryDeps {
		a.Relations.AddLibraryDependency(rec.Source, dep.File, dep.BinaryClassName)
	}
	for class, names := range rec.UsedNames {
		for _, un := range names {
			a.Relations.AddUsedName(class, un.Name, un.Scopes)
		}
	}
	if len(rec.Reported) > 0 || len(rec.Unreported) > 0 || len(rec.MainClasses) > 0 {
		a.Infos[rec.Source] = &SourceInfo{
			Reported:    append([]Problem(nil), rec.Reported...),
			Unreported:  append([]Problem(nil), rec.Unreported...),
			MainClasses: append([]string(nil), rec.MainClasses...),
		}
	}
}

// Stats summarizes the analysis for logs and inspect output.
type Stats struct {
	Sources       int
	Classes       int
	Products      int
	InternalEdges int
	ExternalDeps  int
	Libraries     int
	Compilations  int
}

func (a *Analysis) Stats() Stats {
	return Stats{
		Sources:       len(a.SourceStamps),
		Classes:       len(a.Internal),
		Products:      len(a.Relations.ProductFiles()),
		InternalEdges: a.Relations.EdgeCount(),
		ExternalDeps:  len(a.Relations.ExternalTargets()),
		Libraries:     len(a.Relations.LibraryFiles()),
		Compilations:  len(a.Compilations),
	}
}
