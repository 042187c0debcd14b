// Package lookup resolves binary class names against analyses produced
// by other projects. The recorder consults it to decide whether a
// binary dependency is really a cross-project source dependency whose
// API hash can be tracked.
package lookup

import "kiln/internal/classapi"

// Handle is one resolved external class.
type Handle interface {
	// SourceClassName is the class name on the defining project's side.
	SourceClassName() string
	// API returns the current API record of the class.
	API() classapi.AnalyzedClass
}

// ExternalLookup resolves binary class names to external analyses.
type ExternalLookup interface {
	// LookupAnalysis returns a handle for the class, or false when no
	// known upstream project defines it.
	LookupAnalysis(binaryClassName string) (Handle, bool)
}

// entry is the concrete Handle used by Fixed and Registry.
type entry struct {
	srcClassName string
	api          classapi.AnalyzedClass
}

func (e entry) SourceClassName() string     { return e.srcClassName }
func (e entry) API() classapi.AnalyzedClass { return e.api }

// Fixed serves lookups from an in-memory table. Tests script upstream
// API changes with it.
type Fixed struct {
	classes map[string]entry
}

// NewFixed returns an empty table.
func NewFixed() *Fixed {
	return &Fixed{classes: make(map[string]entry)}
}

// Add registers a binary class name with its defining source class
// name and API record.
func (f *Fixed) Add(binaryClassName, sourceClassName string, api classapi.AnalyzedClass) {
	f.classes[binaryClassName] = entry{srcClassName: sourceClassName, api: api}
}

func (f *Fixed) LookupAnalysis(binaryClassName string) (Handle, bool) {
	e, ok := f.classes[binaryClassName]
	if !ok {
		return nil, false
	}
	return e, true
}

// None resolves nothing. Builds without upstream projects use it.
type None struct{}

func (None) LookupAnalysis(string) (Handle, bool) { return nil, false }
