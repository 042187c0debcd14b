// Package compile defines the boundary between the incremental engine
// and the opaque compiler front end: the callback the front end
// reports facts through, the dependency-change view it receives, and
// the class-file manager that owns this build's generated files.
package compile

import (
	"context"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
)

// Callback is the fact-recording surface handed to the front end for
// one cycle. All methods must be safe for concurrent use; parallel
// compile workers share one instance.
type Callback interface {
	StartSource(source string)
	RecordProblem(p analysis.Problem, reported bool)
	RecordClassDependency(onClass, fromClass string, ctx analysis.DependencyContext)
	RecordBinaryDependency(classFile, onBinaryClassName, fromClassName, fromSourceFile string, ctx analysis.DependencyContext)
	RecordGeneratedClass(source, classFile, binaryClassName, sourceClassName string)
	RecordGeneratedLocalClass(source, classFile string)
	RecordAPI(source string, api *classapi.ClassLike)
	RecordUsedName(className, name string, scopes classapi.ScopeSet)
	RecordMainClass(source, className string)
}

// DependencyChanges tells the front end which upstream inputs moved
// since the previous build, so it can force re-reads where needed.
type DependencyChanges struct {
	ChangedBinaries        []string
	ChangedExternalClasses []string
}

// IsEmpty reports whether nothing upstream changed.
func (d DependencyChanges) IsEmpty() bool {
	return len(d.ChangedBinaries) == 0 && len(d.ChangedExternalClasses) == 0
}

// FrontEnd compiles one cycle's invalidated sources, reporting facts
// into the callback and generated files to the manager. Cancellation
// surfaces as ctx.Err() (possibly wrapped); compile errors are fatal
// for the build.
type FrontEnd interface {
	Compile(ctx context.Context, sources []string, changes DependencyChanges, callback Callback, manager ClassFileManager) error
}

// ClassFileManager owns the class files of one build across all its
// cycles, so one Complete call can commit or roll back every cycle's
// writes. Complete must be called exactly once per build.
type ClassFileManager interface {
	// Delete removes (or defers removal of) existing class files that
	// are about to be replaced.
	Delete(files []string) error
	// Generated registers files written this cycle.
	Generated(files []string) error
	// Complete commits on success or restores the pre-build state on
	// failure.
	Complete(success bool) error
}
