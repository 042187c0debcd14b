package driver

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
	"kiln/internal/compile"
	kilnerrors "kiln/internal/errors"
	"kiln/internal/logging"
	"kiln/internal/stamp"
)

const (
	srcA = "src/A.scala"
	srcB = "src/B.scala"
	srcC = "src/C.scala"
)

// scriptedFrontEnd replays per-source emission scripts and records
// which sources each cycle asked it to compile.
type scriptedFrontEnd struct {
	mu       sync.Mutex
	emit     map[string]func(cb compile.Callback)
	failWith map[int]error
	panicAt  int
	calls    [][]string
}

func newScriptedFrontEnd() *scriptedFrontEnd {
	return &scriptedFrontEnd{
		emit:     make(map[string]func(cb compile.Callback)),
		failWith: make(map[int]error),
		panicAt:  -1,
	}
}

func (f *scriptedFrontEnd) Compile(ctx context.Context, sources []string, changes compile.DependencyChanges, cb compile.Callback, mgr compile.ClassFileManager) error {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), sources...))
	f.mu.Unlock()

	if call == f.panicAt {
		panic("front end exploded")
	}
	if err, ok := f.failWith[call]; ok {
		return err
	}
	for _, src := range sources {
		cb.StartSource(src)
		if emit, ok := f.emit[src]; ok {
			emit(cb)
		}
	}
	return nil
}

func (f *scriptedFrontEnd) callLog() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeManager struct {
	mu          sync.Mutex
	deleted     []string
	completions []bool
}

func (m *fakeManager) Delete(files []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, files...)
	return nil
}

func (m *fakeManager) Generated(files []string) error { return nil }

func (m *fakeManager) Complete(success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, success)
	return nil
}

func (m *fakeManager) completionLog() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.completions...)
}

func (m *fakeManager) deletedFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func member(name string) classapi.Member {
	return classapi.Member{Name: name, Signature: name + "()V"}
}

func emitSimple(src, class, product string, deps func(cb compile.Callback), members ...classapi.Member) func(compile.Callback) {
	return func(cb compile.Callback) {
		cb.RecordAPI(src, &classapi.ClassLike{
			Name:     class,
			Kind:     classapi.ClassDef,
			TopLevel: true,
			Members:  members,
		})
		cb.RecordGeneratedClass(src, product, class, class)
		if deps != nil {
			deps(cb)
		}
	}
}

// chainFrontEnd wires the standard three-source world: b.B references
// a.A and uses its "run" member, c.C extends b.B.
func chainFrontEnd() *scriptedFrontEnd {
	fe := newScriptedFrontEnd()
	fe.emit[srcA] = emitSimple(srcA, "a.A", "out/a/A.class", nil, member("run"))
	fe.emit[srcB] = emitSimple(srcB, "b.B", "out/b/B.class", func(cb compile.Callback) {
		cb.RecordClassDependency("a.A", "b.B", analysis.MemberRef)
		cb.RecordUsedName("b.B", "run", classapi.NewScopeSet(classapi.ScopeDefault))
	}, member("call"))
	fe.emit[srcC] = emitSimple(srcC, "c.C", "out/c/C.class", func(cb compile.Callback) {
		cb.RecordClassDependency("b.B", "c.C", analysis.Inheritance)
	}, member("own"))
	return fe
}

func chainStamps(versions map[string]string) *stamp.MapProvider {
	sources := make(map[string]stamp.Stamp, len(versions))
	for src, v := range versions {
		sources[src] = stamp.FromHash(v)
	}
	return &stamp.MapProvider{Sources: sources}
}

func runBuild(t *testing.T, prev *analysis.Analysis, sources []string, fe compile.FrontEnd, stamps stamp.Provider, mgr compile.ClassFileManager) Result {
	t.Helper()
	d := New(logging.Nop(), Options{})
	res, err := d.Build(context.Background(), Input{
		Sources:   sources,
		Previous:  prev,
		Stamps:    stamps,
		FrontEnd:  fe,
		Manager:   mgr,
		OutputDir: "out",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return res
}

func TestCleanBuildCompilesEverything(t *testing.T) {
	fe := chainFrontEnd()
	stamps := chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"})
	mgr := &fakeManager{}

	res := runBuild(t, nil, []string{srcA, srcB, srcC}, fe, stamps, mgr)

	if !res.HasChanges {
		t.Fatal("clean build should report changes")
	}
	if res.Cycles != 1 || res.Recompiled != 3 {
		t.Fatalf("Cycles = %d, Recompiled = %d, want 1 and 3", res.Cycles, res.Recompiled)
	}
	want := [][]string{{srcA, srcB, srcC}}
	if got := fe.callLog(); !reflect.DeepEqual(got, want) {
		t.Fatalf("front end calls = %v, want %v", got, want)
	}
	if got := res.Analysis.Sources(); !reflect.DeepEqual(got, []string{srcA, srcB, srcC}) {
		t.Fatalf("Sources() = %v", got)
	}
	if got := mgr.completionLog(); !reflect.DeepEqual(got, []bool{true}) {
		t.Fatalf("completions = %v, want [true]", got)
	}
	stats := res.Analysis.Stats()
	if stats.Classes != 3 || stats.Products != 3 {
		t.Fatalf("stats = %+v, want 3 classes and 3 products", stats)
	}
}

func TestNoChangesReturnsPreviousAnalysis(t *testing.T) {
	fe := chainFrontEnd()
	stamps := chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"})
	first := runBuild(t, nil, []string{srcA, srcB, srcC}, fe, stamps, &fakeManager{})

	mgr := &fakeManager{}
	second := runBuild(t, first.Analysis, []string{srcA, srcB, srcC}, fe, stamps, mgr)

	if second.HasChanges {
		t.Fatal("unchanged build should not report changes")
	}
	if second.Analysis != first.Analysis {
		t.Fatal("unchanged build should hand back the previous analysis untouched")
	}
	if got := fe.callLog(); len(got) != 1 {
		t.Fatalf("front end ran %d times, want only the first build", len(got))
	}
	if got := mgr.completionLog(); !reflect.DeepEqual(got, []bool{true}) {
		t.Fatalf("completions = %v, want [true]", got)
	}
}

func TestImplementationChangeCompilesOnlyChangedSource(t *testing.T) {
	fe := chainFrontEnd()
	first := runBuild(t, nil, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"}), &fakeManager{})

	// A's body changed but its API script is identical.
	second := runBuild(t, first.Analysis, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a2", srcB: "b1", srcC: "c1"}), &fakeManager{})

	if second.Cycles != 1 || second.Recompiled != 1 {
		t.Fatalf("Cycles = %d, Recompiled = %d, want 1 and 1", second.Cycles, second.Recompiled)
	}
	calls := fe.callLog()
	if got := calls[len(calls)-1]; !reflect.DeepEqual(got, []string{srcA}) {
		t.Fatalf("second build compiled %v, want only %v", got, []string{srcA})
	}
}

func TestApiChangeRipplesToDependents(t *testing.T) {
	fe := chainFrontEnd()
	first := runBuild(t, nil, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"}), &fakeManager{})

	// A grows a member, so its API hash moves. b.B references a.A and
	// c.C extends b.B, so both join the second cycle.
	fe.emit[srcA] = emitSimple(srcA, "a.A", "out/a/A.class", nil, member("run"), member("runFast"))
	second := runBuild(t, first.Analysis, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a2", srcB: "b1", srcC: "c1"}), &fakeManager{})

	if second.Cycles != 2 || second.Recompiled != 3 {
		t.Fatalf("Cycles = %d, Recompiled = %d, want 2 and 3", second.Cycles, second.Recompiled)
	}
	calls := fe.callLog()
	want := [][]string{{srcA}, {srcB, srcC}}
	if got := calls[1:]; !reflect.DeepEqual(got, want) {
		t.Fatalf("second build cycles = %v, want %v", got, want)
	}
	api, ok := second.Analysis.APIOf("a.A")
	if !ok {
		t.Fatal("a.A missing from merged analysis")
	}
	if _, found := api.NameHashes.Lookup("runFast"); !found {
		t.Fatal("merged analysis should carry a.A's new API")
	}
}

func TestInheritanceChangeRipplesTransitively(t *testing.T) {
	fe := chainFrontEnd()
	first := runBuild(t, nil, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"}), &fakeManager{})

	fe.emit[srcB] = emitSimple(srcB, "b.B", "out/b/B.class", func(cb compile.Callback) {
		cb.RecordClassDependency("a.A", "b.B", analysis.MemberRef)
		cb.RecordUsedName("b.B", "run", classapi.NewScopeSet(classapi.ScopeDefault))
	}, member("call"), member("extra"))
	second := runBuild(t, first.Analysis, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b2", srcC: "c1"}), &fakeManager{})

	calls := fe.callLog()
	want := [][]string{{srcB}, {srcC}}
	if got := calls[1:]; !reflect.DeepEqual(got, want) {
		t.Fatalf("second build cycles = %v, want %v", got, want)
	}
	// One compilation from the first build plus two cycles.
	if got := len(second.Analysis.Compilations); got != 3 {
		t.Fatalf("Compilations = %d, want 3", got)
	}
}

func TestRemovedSourcePrunedWithoutCompiling(t *testing.T) {
	fe := chainFrontEnd()
	first := runBuild(t, nil, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"}), &fakeManager{})

	mgr := &fakeManager{}
	second := runBuild(t, first.Analysis, []string{srcA, srcB},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1"}), mgr)

	if !second.HasChanges {
		t.Fatal("removing a source changes the analysis")
	}
	if second.Recompiled != 0 {
		t.Fatalf("Recompiled = %d, want 0", second.Recompiled)
	}
	if got := fe.callLog(); len(got) != 1 {
		t.Fatalf("front end ran %d times, want only the first build", len(got))
	}
	if got := second.Analysis.Sources(); !reflect.DeepEqual(got, []string{srcA, srcB}) {
		t.Fatalf("Sources() = %v", got)
	}
	if _, ok := second.Analysis.Relations.SourceOfClass("c.C"); ok {
		t.Fatal("c.C should be gone from relations")
	}
	deleted := mgr.deletedFiles()
	if !reflect.DeepEqual(deleted, []string{"out/c/C.class"}) {
		t.Fatalf("deleted = %v, want the removed source's product", deleted)
	}
}

func TestRecompileAllEscalation(t *testing.T) {
	fe := newScriptedFrontEnd()
	srcs := []string{"src/P.scala", "src/Q.scala", "src/R.scala", "src/S.scala"}
	for i, src := range srcs {
		class := fmt.Sprintf("p.K%d", i)
		fe.emit[src] = emitSimple(src, class, fmt.Sprintf("out/K%d.class", i), nil, member("m"))
	}
	versions := map[string]string{srcs[0]: "1", srcs[1]: "1", srcs[2]: "1", srcs[3]: "1"}
	first := runBuild(t, nil, srcs, fe, chainStamps(versions), &fakeManager{})

	// Three of four invalidated crosses the 0.5 default, so the build
	// recompiles everything in one cycle.
	versions[srcs[0]], versions[srcs[1]], versions[srcs[2]] = "2", "2", "2"
	second := runBuild(t, first.Analysis, srcs, fe, chainStamps(versions), &fakeManager{})

	if second.Cycles != 1 || second.Recompiled != 4 {
		t.Fatalf("Cycles = %d, Recompiled = %d, want 1 and 4", second.Cycles, second.Recompiled)
	}
	calls := fe.callLog()
	if got := calls[len(calls)-1]; !reflect.DeepEqual(got, srcs) {
		t.Fatalf("escalated cycle compiled %v, want all of %v", got, srcs)
	}
}

// rippleChainFrontEnd wires a linear memberRef chain where every
// recompilation moves the source's API, so a change at the head ripples
// down one level per cycle.
func rippleChainFrontEnd(srcs, classes []string) *scriptedFrontEnd {
	fe := newScriptedFrontEnd()
	for i := range srcs {
		src, class := srcs[i], classes[i]
		version := 0
		var dep string
		if i > 0 {
			dep = classes[i-1]
		}
		fe.emit[src] = func(cb compile.Callback) {
			version++
			cb.RecordAPI(src, &classapi.ClassLike{
				Name: class, Kind: classapi.ClassDef, TopLevel: true,
				Members: []classapi.Member{member(fmt.Sprintf("m%d", version))},
			})
			cb.RecordGeneratedClass(src, "out/"+class+".class", class, class)
			if dep != "" {
				cb.RecordClassDependency(dep, class, analysis.MemberRef)
				cb.RecordUsedName(class, "m", classapi.NewScopeSet(classapi.ScopeDefault))
			}
		}
	}
	return fe
}

func TestTransitiveStepEscalatesInvalidation(t *testing.T) {
	srcs := []string{"src/K1.scala", "src/K2.scala", "src/K3.scala", "src/K4.scala", "src/K5.scala"}
	classes := []string{"p.K1", "p.K2", "p.K3", "p.K4", "p.K5"}
	versions := map[string]string{}
	for _, src := range srcs {
		versions[src] = "1"
	}

	fe := rippleChainFrontEnd(srcs, classes)
	first := runBuild(t, nil, srcs, fe, chainStamps(versions), &fakeManager{})

	// A change at the head walks the chain one level per cycle until the
	// third cycle, where invalidation takes the whole downstream closure
	// and finishes the tail in one go.
	versions[srcs[0]] = "2"
	second := runBuild(t, first.Analysis, srcs, fe, chainStamps(versions), &fakeManager{})

	if second.Cycles != 4 || second.Recompiled != 5 {
		t.Fatalf("Cycles = %d, Recompiled = %d, want 4 and 5", second.Cycles, second.Recompiled)
	}
	calls := fe.callLog()
	want := [][]string{{srcs[0]}, {srcs[1]}, {srcs[2]}, {srcs[3], srcs[4]}}
	if got := calls[1:]; !reflect.DeepEqual(got, want) {
		t.Fatalf("second build cycles = %v, want %v", got, want)
	}
}

func TestTransitiveStepDeferredStaysSurgical(t *testing.T) {
	srcs := []string{"src/K1.scala", "src/K2.scala", "src/K3.scala", "src/K4.scala", "src/K5.scala"}
	classes := []string{"p.K1", "p.K2", "p.K3", "p.K4", "p.K5"}
	versions := map[string]string{}
	for _, src := range srcs {
		versions[src] = "1"
	}

	fe := rippleChainFrontEnd(srcs, classes)
	first := runBuild(t, nil, srcs, fe, chainStamps(versions), &fakeManager{})

	versions[srcs[0]] = "2"
	d := New(logging.Nop(), Options{TransitiveStep: 10})
	res, err := d.Build(context.Background(), Input{
		Sources:   srcs,
		Previous:  first.Analysis,
		Stamps:    chainStamps(versions),
		FrontEnd:  fe,
		Manager:   &fakeManager{},
		OutputDir: "out",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if res.Cycles != 5 || res.Recompiled != 5 {
		t.Fatalf("Cycles = %d, Recompiled = %d, want 5 and 5", res.Cycles, res.Recompiled)
	}
	calls := fe.callLog()
	want := [][]string{{srcs[0]}, {srcs[1]}, {srcs[2]}, {srcs[3]}, {srcs[4]}}
	if got := calls[1:]; !reflect.DeepEqual(got, want) {
		t.Fatalf("second build cycles = %v, want %v", got, want)
	}
}

func TestCompileFailureRollsBack(t *testing.T) {
	fe := chainFrontEnd()
	first := runBuild(t, nil, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"}), &fakeManager{})

	fe.failWith[1] = fmt.Errorf("type error in %s", srcA)
	mgr := &fakeManager{}
	d := New(logging.Nop(), Options{})
	_, err := d.Build(context.Background(), Input{
		Sources:   []string{srcA, srcB, srcC},
		Previous:  first.Analysis,
		Stamps:    chainStamps(map[string]string{srcA: "a2", srcB: "b1", srcC: "c1"}),
		FrontEnd:  fe,
		Manager:   mgr,
		OutputDir: "out",
	})

	if !kilnerrors.IsCode(err, kilnerrors.CompileFailed) {
		t.Fatalf("error = %v, want code %s", err, kilnerrors.CompileFailed)
	}
	if got := mgr.completionLog(); !reflect.DeepEqual(got, []bool{false}) {
		t.Fatalf("completions = %v, want [false]", got)
	}
}

func TestCancellationKeepsPreviousAnalysis(t *testing.T) {
	fe := chainFrontEnd()
	first := runBuild(t, nil, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"}), &fakeManager{})

	fe.failWith[1] = fmt.Errorf("compile interrupted: %w", context.Canceled)
	mgr := &fakeManager{}
	d := New(logging.Nop(), Options{})
	res, err := d.Build(context.Background(), Input{
		Sources:   []string{srcA, srcB, srcC},
		Previous:  first.Analysis,
		Stamps:    chainStamps(map[string]string{srcA: "a2", srcB: "b1", srcC: "c1"}),
		FrontEnd:  fe,
		Manager:   mgr,
		OutputDir: "out",
	})

	if err != nil {
		t.Fatalf("cancellation is not an error, got %v", err)
	}
	if !res.Cancelled || res.HasChanges {
		t.Fatalf("result = %+v, want Cancelled and no changes", res)
	}
	if res.Analysis != first.Analysis {
		t.Fatal("cancelled build should hand back the previous analysis untouched")
	}
	if got := mgr.completionLog(); !reflect.DeepEqual(got, []bool{false}) {
		t.Fatalf("completions = %v, want [false]", got)
	}
}

func TestManagerCompletedOnceOnPanic(t *testing.T) {
	fe := chainFrontEnd()
	first := runBuild(t, nil, []string{srcA, srcB, srcC},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1", srcC: "c1"}), &fakeManager{})

	fe.panicAt = 1
	mgr := &fakeManager{}
	d := New(logging.Nop(), Options{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected the front end panic to propagate")
		}
		if got := mgr.completionLog(); !reflect.DeepEqual(got, []bool{false}) {
			t.Fatalf("completions = %v, want [false]", got)
		}
	}()
	_, _ = d.Build(context.Background(), Input{
		Sources:   []string{srcA, srcB, srcC},
		Previous:  first.Analysis,
		Stamps:    chainStamps(map[string]string{srcA: "a2", srcB: "b1", srcC: "c1"}),
		FrontEnd:  fe,
		Manager:   mgr,
		OutputDir: "out",
	})
}

func TestCycleLimitAborts(t *testing.T) {
	fe := newScriptedFrontEnd()
	aVersion, bVersion := 0, 0
	fe.emit[srcA] = func(cb compile.Callback) {
		aVersion++
		cb.RecordAPI(srcA, &classapi.ClassLike{
			Name: "a.A", Kind: classapi.ClassDef, TopLevel: true,
			Members: []classapi.Member{member(fmt.Sprintf("run%d", aVersion))},
		})
		cb.RecordGeneratedClass(srcA, "out/a/A.class", "a.A", "a.A")
		cb.RecordClassDependency("b.B", "a.A", analysis.MemberRef)
		cb.RecordUsedName("a.A", "call", classapi.NewScopeSet(classapi.ScopeDefault))
	}
	fe.emit[srcB] = func(cb compile.Callback) {
		bVersion++
		cb.RecordAPI(srcB, &classapi.ClassLike{
			Name: "b.B", Kind: classapi.ClassDef, TopLevel: true,
			Members: []classapi.Member{member(fmt.Sprintf("call%d", bVersion))},
		})
		cb.RecordGeneratedClass(srcB, "out/b/B.class", "b.B", "b.B")
		cb.RecordClassDependency("a.A", "b.B", analysis.MemberRef)
		cb.RecordUsedName("b.B", "run", classapi.NewScopeSet(classapi.ScopeDefault))
	}
	first := runBuild(t, nil, []string{srcA, srcB},
		fe, chainStamps(map[string]string{srcA: "a1", srcB: "b1"}), &fakeManager{})

	// Every recompile of either source moves its API, so the pair
	// chases each other forever. The cycle bound has to step in.
	mgr := &fakeManager{}
	d := New(logging.Nop(), Options{MaxCycles: 3})
	_, err := d.Build(context.Background(), Input{
		Sources:   []string{srcA, srcB},
		Previous:  first.Analysis,
		Stamps:    chainStamps(map[string]string{srcA: "a2", srcB: "b1"}),
		FrontEnd:  fe,
		Manager:   mgr,
		OutputDir: "out",
	})

	if !kilnerrors.IsCode(err, kilnerrors.CycleLimit) {
		t.Fatalf("error = %v, want code %s", err, kilnerrors.CycleLimit)
	}
	if got := len(fe.callLog()); got != 4 {
		t.Fatalf("front end ran %d times, want first build plus three bounded cycles", got)
	}
	if got := mgr.completionLog(); !reflect.DeepEqual(got, []bool{false}) {
		t.Fatalf("completions = %v, want [false]", got)
	}
}

func TestMissingFrontEndStillCompletesManager(t *testing.T) {
	mgr := &fakeManager{}
	d := New(logging.Nop(), Options{})

	_, err := d.Build(context.Background(), Input{Sources: []string{srcA}, Manager: mgr})

	if !kilnerrors.IsCode(err, kilnerrors.ContractViolation) {
		t.Fatalf("error = %v, want code %s", err, kilnerrors.ContractViolation)
	}
	if got := mgr.completionLog(); !reflect.DeepEqual(got, []bool{false}) {
		t.Errorf("completions = %v, want exactly one rollback", got)
	}
}
