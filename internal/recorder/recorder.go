// Package recorder collects the facts a compiler front end reports
// during one compile cycle. One Recorder instance serves exactly one
// cycle; parallel compile workers report into the same instance
// concurrently, so all state lives in sharded, per-key-locked tables
// rather than behind one build-wide mutex. The driver reads nothing
// until Finalize, which snapshots everything into a CycleResult.
package recorder

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
	kilnerrors "kiln/internal/errors"
	"kiln/internal/lookup"
	"kiln/internal/stamp"
)

const numShards = 32

// Origin names the source file and source class name that produce a
// binary class name. The driver accumulates origins across cycles so
// later cycles can resolve class files generated by earlier ones.
type Origin struct {
	Source          string
	SourceClassName string
}

// OriginMap maps binary class names to their origins within one build.
type OriginMap map[string]Origin

// Absorb folds one finalized cycle's non-local products into the map.
func (m OriginMap) Absorb(result *analysis.CycleResult) {
	for src, rec := range result.Records {
		for _, p := range rec.Products {
			if p.Local || p.BinaryClassName == "" {
				continue
			}
			m[p.BinaryClassName] = Origin{Source: src, SourceClassName: p.SourceClassName}
		}
	}
}

// Config carries the collaborators one cycle's recorder needs.
type Config struct {
	// Stamps computes product and binary stamps as facts arrive.
	Stamps stamp.Provider
	// Lookup resolves cross-project binary class names.
	Lookup lookup.ExternalLookup
	// EarlierCycles resolves binary class names produced by earlier
	// cycles of the same build. May be nil on the first cycle.
	EarlierCycles OriginMap
	// SharedUnit reports whether a source may legitimately be started
	// more than once, e.g. a synthetic unit shared by parallel
	// partitions. A nil predicate admits nothing.
	SharedUnit func(source string) bool
	// Compilation is this cycle's metadata, copied into the result.
	Compilation analysis.Compilation
}

type sourceState struct {
	started     bool
	products    []analysis.Product
	libraryDeps []analysis.LibraryDependency
	mainClasses []string
	reported    []analysis.Problem
	unreported  []analysis.Problem
}

type classState struct {
	source       string // owning source, learned from RecordAPI
	classAPI     *classapi.ClassLike
	objectAPI    *classapi.ClassLike
	internalDeps []analysis.InternalDependency
	externalDeps []analysis.ExternalDependency
	usedNames    map[string]classapi.ScopeSet
}

type sourceShard struct {
	mu   sync.Mutex
	recs map[string]*sourceState
}

type classShard struct {
	mu   sync.Mutex
	recs map[string]*classState
}

// prodShard indexes this cycle's non-local products by binary class
// name for tier-1 binary dependency resolution.
type prodShard struct {
	mu   sync.RWMutex
	recs map[string]Origin
}

// Recorder is the per-cycle fact collector. All Record methods are
// safe for concurrent use by multiple workers on the same instance.
type Recorder struct {
	cfg Config

	sources  [numShards]sourceShard
	classes  [numShards]classShard
	prodIdx  [numShards]prodShard
	external struct {
		mu   sync.Mutex
		apis map[string]classapi.AnalyzedClass
	}
	binaries struct {
		mu     sync.Mutex
		stamps map[string]stamp.Stamp
	}

	finalizeOnce sync.Once
	result       *analysis.CycleResult
}

// New builds a fresh recorder for one cycle.
func New(cfg Config) *Recorder {
	r := &Recorder{cfg: cfg}
	for i := range r.sources {
		r.sources[i].recs = make(map[string]*sourceState)
	}
	for i := range r.classes {
		r.classes[i].recs = make(map[string]*classState)
	}
	for i := range r.prodIdx {
		r.prodIdx[i].recs = make(map[string]Origin)
	}
	r.external.apis = make(map[string]classapi.AnalyzedClass)
	r.binaries.stamps = make(map[string]stamp.Stamp)
	return r
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numShards)
}

func (r *Recorder) sourceState(source string) (*sourceState, *sync.Mutex) {
	shard := &r.sources[shardFor(source)]
	shard.mu.Lock()
	st := shard.recs[source]
	if st == nil {
		st = &sourceState{}
		shard.recs[source] = st
	}
	return st, &shard.mu
}

func (r *Recorder) classState(class string) (*classState, *sync.Mutex) {
	shard := &r.classes[shardFor(class)]
	shard.mu.Lock()
	st := shard.recs[class]
	if st == nil {
		st = &classState{usedNames: make(map[string]classapi.ScopeSet)}
		shard.recs[class] = st
	}
	return st, &shard.mu
}

// StartSource marks a source as compiled this cycle. Starting the same
// source twice is a contract violation unless the shared-unit
// predicate admits it; violations panic, because a double report means
// the front end's partitioning is broken, not that the build failed.
func (r *Recorder) StartSource(source string) {
	st, mu := r.sourceState(source)
	defer mu.Unlock()
	if st.started && (r.cfg.SharedUnit == nil || !r.cfg.SharedUnit(source)) {
		panic(kilnerrors.New(kilnerrors.ContractViolation,
			fmt.Sprintf("source %s reported started twice in one cycle", source), nil))
	}
	st.started = true
}

// RecordProblem appends a diagnostic for a source, bucketed by whether
// it was already surfaced to the user in an earlier cycle.
func (r *Recorder) RecordProblem(p analysis.Problem, reported bool) {
	st, mu := r.sourceState(p.Source)
	defer mu.Unlock()
	if reported {
		st.reported = append(st.reported, p)
		return
	}
	st.unreported = append(st.unreported, p)
}

// RecordMainClass notes a discovered entry point.
func (r *Recorder) RecordMainClass(source, className string) {
	st, mu := r.sourceState(source)
	defer mu.Unlock()
	st.mainClasses = append(st.mainClasses, className)
}

// RecordClassDependency records an internal class -> class edge.
// Self-edges carry no information and are dropped silently.
func (r *Recorder) RecordClassDependency(onClass, fromClass string, ctx analysis.DependencyContext) {
	if onClass == fromClass {
		return
	}
	st, mu := r.classState(fromClass)
	defer mu.Unlock()
	st.internalDeps = append(st.internalDeps, analysis.InternalDependency{
		From:    fromClass,
		To:      onClass,
		Context: ctx,
	})
}

// RecordBinaryDependency resolves a dependency on a class file through
// three tiers: a source of this cycle, a source of an earlier cycle of
// this build, then a cross-project lookup. Only when all three miss is
// it recorded as a plain library dependency.
func (r *Recorder) RecordBinaryDependency(classFile, onBinaryClassName, fromClassName, fromSourceFile string, ctx analysis.DependencyContext) {
	if origin, ok := r.thisCycleOrigin(onBinaryClassName); ok {
		r.RecordClassDependency(origin.SourceClassName, fromClassName, ctx)
		return
	}
	if origin, ok := r.cfg.EarlierCycles[onBinaryClassName]; ok {
		r.RecordClassDependency(origin.SourceClassName, fromClassName, ctx)
		return
	}
	if r.cfg.Lookup != nil {
		if handle, ok := r.cfg.Lookup.LookupAnalysis(onBinaryClassName); ok {
			r.recordExternalDependency(fromClassName, onBinaryClassName, handle, ctx)
			return
		}
	}
	r.recordLibraryDependency(fromSourceFile, classFile, onBinaryClassName)
}

func (r *Recorder) thisCycleOrigin(binaryClassName string) (Origin, bool) {
	shard := &r.prodIdx[shardFor(binaryClassName)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	origin, ok := shard.recs[binaryClassName]
	return origin, ok
}

func (r *Recorder) recordExternalDependency(fromClassName, onBinaryClassName string, handle lookup.Handle, ctx analysis.DependencyContext) {
	st, mu := r.classState(fromClassName)
	st.externalDeps = append(st.externalDeps, analysis.ExternalDependency{
		From:          fromClassName,
		ToBinaryClass: onBinaryClassName,
		Context:       ctx,
	})
	mu.Unlock()

	api := handle.API()
	r.external.mu.Lock()
	r.external.apis[onBinaryClassName] = api
	r.external.mu.Unlock()
}

func (r *Recorder) recordLibraryDependency(fromSourceFile, classFile, binaryClassName string) {
	st, mu := r.sourceState(fromSourceFile)
	st.libraryDeps = append(st.libraryDeps, analysis.LibraryDependency{
		File:            classFile,
		BinaryClassName: binaryClassName,
	})
	mu.Unlock()

	r.binaries.mu.Lock()
	if _, ok := r.binaries.stamps[classFile]; !ok {
		r.binaries.stamps[classFile] = r.cfg.Stamps.Binary(classFile)
	}
	r.binaries.mu.Unlock()
}

// RecordGeneratedClass records a non-local product and feeds the
// binary-name index later tiers and cycles resolve against.
func (r *Recorder) RecordGeneratedClass(source, classFile, binaryClassName, sourceClassName string) {
	st, mu := r.sourceState(source)
	st.products = append(st.products, analysis.Product{
		File:            classFile,
		Stamp:           r.cfg.Stamps.Product(classFile).String(),
		SourceClassName: sourceClassName,
		BinaryClassName: binaryClassName,
	})
	mu.Unlock()

	shard := &r.prodIdx[shardFor(binaryClassName)]
	shard.mu.Lock()
	shard.recs[binaryClassName] = Origin{Source: source, SourceClassName: sourceClassName}
	shard.mu.Unlock()

	// The source class name is defined by this source even when the
	// front end never reports an API for it.
	cs, cmu := r.classState(sourceClassName)
	if cs.source == "" {
		cs.source = source
	}
	cmu.Unlock()
}

// RecordGeneratedLocalClass records an anonymous product with no
// addressable class name.
func (r *Recorder) RecordGeneratedLocalClass(source, classFile string) {
	st, mu := r.sourceState(source)
	defer mu.Unlock()
	st.products = append(st.products, analysis.Product{
		File:  classFile,
		Stamp: r.cfg.Stamps.Product(classFile).String(),
		Local: true,
	})
}

// RecordAPI stores the reported shape of one class or companion
// object. The class and object sides of the same name pair up at
// finalize.
func (r *Recorder) RecordAPI(source string, api *classapi.ClassLike) {
	st, mu := r.classState(api.Name)
	defer mu.Unlock()
	st.source = source
	if api.Kind == classapi.ObjectDef {
		st.objectAPI = api
		return
	}
	st.classAPI = api
}

// RecordUsedName records that a class references a name.
func (r *Recorder) RecordUsedName(className, name string, scopes classapi.ScopeSet) {
	st, mu := r.classState(className)
	defer mu.Unlock()
	st.usedNames[name] = st.usedNames[name].Union(scopes)
}

// Finalize snapshots every recorded fact into a CycleResult grouped by
// source. It is idempotent; repeated calls return the same result. The
// front end must have quiesced before the driver calls it.
func (r *Recorder) Finalize() *analysis.CycleResult {
	r.finalizeOnce.Do(func() {
		r.result = r.buildResult()
	})
	return r.result
}

func (r *Recorder) buildResult() *analysis.CycleResult {
	records := make(map[string]*analysis.SourceRecord)

	getRecord := func(source string) *analysis.SourceRecord {
		rec := records[source]
		if rec == nil {
			rec = &analysis.SourceRecord{
				Source:    source,
				Stamp:     r.cfg.Stamps.Source(source),
				UsedNames: make(map[string][]classapi.UsedName),
			}
			records[source] = rec
		}
		return rec
	}

	for i := range r.sources {
		shard := &r.sources[i]
		shard.mu.Lock()
		for source, st := range shard.recs {
			rec := getRecord(source)
			rec.Products = append(rec.Products, st.products...)
			rec.LibraryDeps = append(rec.LibraryDeps, st.libraryDeps...)
			rec.MainClasses = append(rec.MainClasses, st.mainClasses...)
			rec.Reported = append(rec.Reported, st.reported...)
			rec.Unreported = append(rec.Unreported, st.unreported...)
		}
		shard.mu.Unlock()
	}

	for i := range r.classes {
		shard := &r.classes[i]
		shard.mu.Lock()
		for class, st := range shard.recs {
			if st.source == "" {
				// No API and no product tied this class to a source;
				// there is no record to attach its facts to.
				continue
			}
			rec := getRecord(st.source)
			rec.Classes = append(rec.Classes, class)
			if st.classAPI != nil || st.objectAPI != nil {
				rec.APIs = append(rec.APIs, classapi.NewAnalyzedClass(class, r.cfg.Compilation.StartedAt, classapi.Companions{
					Class:  st.classAPI,
					Object: st.objectAPI,
				}))
			}
			rec.InternalDeps = append(rec.InternalDeps, st.internalDeps...)
			rec.ExternalDeps = append(rec.ExternalDeps, st.externalDeps...)
			if len(st.usedNames) > 0 {
				names := make([]classapi.UsedName, 0, len(st.usedNames))
				for name, scopes := range st.usedNames {
					names = append(names, classapi.UsedName{Name: name, Scopes: scopes})
				}
				sort.Slice(names, func(a, b int) bool { return names[a].Name < names[b].Name })
				rec.UsedNames[class] = names
			}
		}
		shard.mu.Unlock()
	}

	for _, rec := range records {
		sort.Strings(rec.Classes)
		sort.Slice(rec.Products, func(a, b int) bool { return rec.Products[a].File < rec.Products[b].File })
	}

	externalAPIs := make(map[string]classapi.AnalyzedClass, len(r.external.apis))
	r.external.mu.Lock()
	for k, v := range r.external.apis {
		externalAPIs[k] = v
	}
	r.external.mu.Unlock()

	binaryStamps := make(map[string]stamp.Stamp, len(r.binaries.stamps))
	r.binaries.mu.Lock()
	for k, v := range r.binaries.stamps {
		binaryStamps[k] = v
	}
	r.binaries.mu.Unlock()

	return &analysis.CycleResult{
		Records:      records,
		ExternalAPIs: externalAPIs,
		BinaryStamps: binaryStamps,
		Compilation:  r.cfg.Compilation,
	}
}
