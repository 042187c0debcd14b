package analysis

import (
	"sort"

	"kiln/internal/classapi"
	"kiln/internal/stamp"
)

// InternalDependency is one recorded class -> class edge within the
// build.
type InternalDependency struct {
	From    string
	To      string
	Context DependencyContext
}

// ExternalDependency is one recorded class -> external class edge.
type ExternalDependency struct {
	From          string
	ToBinaryClass string
	Context       DependencyContext
}

// LibraryDependency is one recorded source -> library file edge.
type LibraryDependency struct {
	File            string
	BinaryClassName string
}

// SourceRecord gathers everything one cycle recorded for one source
// file. A record replaces the store's previous record for that source
// wholesale.
type SourceRecord struct {
	Source       string
	Stamp        stamp.Stamp
	Classes      []string
	APIs         []classapi.AnalyzedClass
	Products     []Product
	InternalDeps []InternalDependency
	ExternalDeps []ExternalDependency
	LibraryDeps  []LibraryDependency
	UsedNames    map[string][]classapi.UsedName
	MainClasses  []string
	Reported     []Problem
	Unreported   []Problem
}

// CycleResult is the finalized output of one compile cycle's recorder.
type CycleResult struct {
	Records      map[string]*SourceRecord
	ExternalAPIs map[string]classapi.AnalyzedClass
	BinaryStamps map[string]stamp.Stamp
	Compilation  Compilation
}

// SourceOrder returns the recorded sources sorted, so merges are
// deterministic.
func (c *CycleResult) SourceOrder() []string {
	out := make([]string, 0, len(c.Records))
	for src := range c.Records {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// ClassNames returns every source class name recorded this cycle.
func (c *CycleResult) ClassNames() []string {
	set := make(map[string]bool)
	for _, rec := range c.Records {
		for _, class := range rec.Classes {
			set[class] = true
		}
	}
	return sortedKeys(set)
}
