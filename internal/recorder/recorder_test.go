package recorder

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
	"kiln/internal/lookup"
	"kiln/internal/stamp"
)

func testConfig() Config {
	return Config{
		Stamps: &stamp.MapProvider{
			Sources:  map[string]stamp.Stamp{},
			Products: map[string]stamp.Stamp{},
			Binaries: map[string]stamp.Stamp{"lib/util.jar": stamp.FromMtime(7)},
		},
		Lookup:      lookup.None{},
		Compilation: analysis.Compilation{ID: "run-1", StartedAt: time.Unix(1724400000, 0), OutputDir: "out"},
	}
}

func api(name string) *classapi.ClassLike {
	return &classapi.ClassLike{
		Name:     name,
		Kind:     classapi.ClassDef,
		TopLevel: true,
		Members:  []classapi.Member{{Name: "run", Signature: "(): Unit"}},
	}
}

func TestStartSourceTwicePanics(t *testing.T) {
	r := New(testConfig())
	r.StartSource("src/A.scala")

	defer func() {
		if recover() == nil {
			t.Error("second StartSource should panic")
		}
	}()
	r.StartSource("src/A.scala")
}

func TestStartSourceSharedUnitAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.SharedUnit = func(source string) bool { return source == "src/shared.scala" }
	r := New(cfg)

	r.StartSource("src/shared.scala")
	r.StartSource("src/shared.scala") // must not panic
}

func TestSelfEdgeDropped(t *testing.T) {
	r := New(testConfig())
	r.RecordAPI("src/A.scala", api("a.A"))
	r.RecordClassDependency("a.A", "a.A", analysis.MemberRef)

	rec := r.Finalize().Records["src/A.scala"]
	if rec == nil {
		t.Fatal("no record for src/A.scala")
	}
	if len(rec.InternalDeps) != 0 {
		t.Errorf("self edge recorded: %+v", rec.InternalDeps)
	}
}

func TestBinaryDependencyTiers(t *testing.T) {
	t.Run("tier 1: produced this cycle", func(t *testing.T) {
		r := New(testConfig())
		r.RecordAPI("src/A.scala", api("a.A"))
		r.RecordAPI("src/B.scala", api("b.B"))
		r.RecordGeneratedClass("src/A.scala", "out/a/A.class", "a.A", "a.A")

		r.RecordBinaryDependency("out/a/A.class", "a.A", "b.B", "src/B.scala", analysis.MemberRef)

		rec := r.Finalize().Records["src/B.scala"]
		if len(rec.InternalDeps) != 1 || rec.InternalDeps[0].To != "a.A" {
			t.Errorf("want internal edge b.B -> a.A, got %+v", rec.InternalDeps)
		}
		if len(rec.LibraryDeps) != 0 {
			t.Errorf("library dep recorded for internal class: %+v", rec.LibraryDeps)
		}
	})

	t.Run("tier 2: produced by an earlier cycle", func(t *testing.T) {
		cfg := testConfig()
		cfg.EarlierCycles = OriginMap{
			"a.A": {Source: "src/A.scala", SourceClassName: "a.A"},
		}
		r := New(cfg)
		r.RecordAPI("src/B.scala", api("b.B"))

		r.RecordBinaryDependency("out/a/A.class", "a.A", "b.B", "src/B.scala", analysis.Inheritance)

		rec := r.Finalize().Records["src/B.scala"]
		if len(rec.InternalDeps) != 1 || rec.InternalDeps[0].Context != analysis.Inheritance {
			t.Errorf("want inheritance edge via earlier cycle, got %+v", rec.InternalDeps)
		}
	})

	t.Run("tier 3: external lookup", func(t *testing.T) {
		cfg := testConfig()
		ext := lookup.NewFixed()
		upAPI := classapi.NewAnalyzedClass("up.Core", time.Now(), classapi.Companions{Class: api("up.Core")})
		ext.Add("up.Core", "up.Core", upAPI)
		cfg.Lookup = ext
		r := New(cfg)
		r.RecordAPI("src/B.scala", api("b.B"))

		r.RecordBinaryDependency("up/Core.class", "up.Core", "b.B", "src/B.scala", analysis.MemberRef)

		result := r.Finalize()
		rec := result.Records["src/B.scala"]
		if len(rec.ExternalDeps) != 1 || rec.ExternalDeps[0].ToBinaryClass != "up.Core" {
			t.Errorf("want external dep on up.Core, got %+v", rec.ExternalDeps)
		}
		snapshot, ok := result.ExternalAPIs["up.Core"]
		if !ok {
			t.Fatal("external API snapshot not captured")
		}
		if snapshot.APIHash != upAPI.APIHash {
			t.Error("snapshot should carry the upstream API hash")
		}
	})

	t.Run("tier 4: plain library", func(t *testing.T) {
		r := New(testConfig())
		r.RecordAPI("src/B.scala", api("b.B"))

		r.RecordBinaryDependency("lib/util.jar", "util.Strings", "b.B", "src/B.scala", analysis.MemberRef)

		result := r.Finalize()
		rec := result.Records["src/B.scala"]
		if len(rec.LibraryDeps) != 1 || rec.LibraryDeps[0].File != "lib/util.jar" {
			t.Errorf("want library dep on lib/util.jar, got %+v", rec.LibraryDeps)
		}
		if got := result.BinaryStamps["lib/util.jar"]; got != stamp.FromMtime(7) {
			t.Errorf("binary stamp = %v, want mtime:7", got)
		}
	})
}

func TestProblemBuckets(t *testing.T) {
	r := New(testConfig())
	r.RecordProblem(analysis.Problem{Source: "src/A.scala", Line: 3, Message: "old warning", Severity: analysis.SeverityWarning}, true)
	r.RecordProblem(analysis.Problem{Source: "src/A.scala", Line: 9, Message: "new error", Severity: analysis.SeverityError}, false)

	rec := r.Finalize().Records["src/A.scala"]
	if len(rec.Reported) != 1 || rec.Reported[0].Message != "old warning" {
		t.Errorf("reported bucket = %+v", rec.Reported)
	}
	if len(rec.Unreported) != 1 || rec.Unreported[0].Message != "new error" {
		t.Errorf("unreported bucket = %+v", rec.Unreported)
	}
}

func TestCompanionPairing(t *testing.T) {
	r := New(testConfig())
	r.RecordAPI("src/A.scala", api("a.A"))
	obj := &classapi.ClassLike{
		Name:    "a.A",
		Kind:    classapi.ObjectDef,
		Members: []classapi.Member{{Name: "apply", Signature: "(): A"}},
	}
	r.RecordAPI("src/A.scala", obj)

	rec := r.Finalize().Records["src/A.scala"]
	if len(rec.APIs) != 1 {
		t.Fatalf("want one merged record, got %d", len(rec.APIs))
	}
	pair := rec.APIs[0].API()
	if pair.Class == nil || pair.Object == nil {
		t.Error("both companion sides should be present")
	}
	if _, ok := rec.APIs[0].NameHashes.Lookup("apply"); !ok {
		t.Error("object-side name missing from merged hashes")
	}
}

func TestOrphanClassFactsDropped(t *testing.T) {
	r := New(testConfig())
	// No API, no product ever ties z.Z to a source.
	r.RecordUsedName("z.Z", "whatever", classapi.NewScopeSet(classapi.ScopeDefault))

	result := r.Finalize()
	if len(result.Records) != 0 {
		t.Errorf("orphan class produced records: %v", result.SourceOrder())
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	r := New(testConfig())
	r.RecordAPI("src/A.scala", api("a.A"))

	first := r.Finalize()
	second := r.Finalize()
	if first != second {
		t.Error("Finalize should return the same result on repeat calls")
	}
}

func TestConcurrentRecording(t *testing.T) {
	const workers = 8
	const classesPerWorker = 50

	cfg := testConfig()
	cfg.SharedUnit = func(string) bool { return false }
	r := New(cfg)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			source := fmt.Sprintf("src/W%d.scala", w)
			r.StartSource(source)
			for i := 0; i < classesPerWorker; i++ {
				class := fmt.Sprintf("w%d.C%d", w, i)
				r.RecordAPI(source, api(class))
				r.RecordGeneratedClass(source, fmt.Sprintf("out/w%d/C%d.class", w, i), class, class)
				if i > 0 {
					prev := fmt.Sprintf("w%d.C%d", w, i-1)
					r.RecordClassDependency(prev, class, analysis.MemberRef)
				}
				r.RecordUsedName(class, "run", classapi.NewScopeSet(classapi.ScopeDefault))
			}
		}(w)
	}
	wg.Wait()

	result := r.Finalize()
	if len(result.Records) != workers {
		t.Fatalf("records = %d, want %d", len(result.Records), workers)
	}
	for w := 0; w < workers; w++ {
		rec := result.Records[fmt.Sprintf("src/W%d.scala", w)]
		if rec == nil {
			t.Fatalf("missing record for worker %d", w)
		}
		if len(rec.Classes) != classesPerWorker {
			t.Errorf("worker %d classes = %d, want %d", w, len(rec.Classes), classesPerWorker)
		}
		if len(rec.APIs) != classesPerWorker {
			t.Errorf("worker %d APIs = %d, want %d", w, len(rec.APIs), classesPerWorker)
		}
		if len(rec.InternalDeps) != classesPerWorker-1 {
			t.Errorf("worker %d deps = %d, want %d", w, len(rec.InternalDeps), classesPerWorker-1)
		}
		if len(rec.UsedNames) != classesPerWorker {
			t.Errorf("worker %d used-name classes = %d, want %d", w, len(rec.UsedNames), classesPerWorker)
		}
	}
}

func TestOriginMapAbsorb(t *testing.T) {
	r := New(testConfig())
	r.RecordAPI("src/A.scala", api("a.A"))
	r.RecordGeneratedClass("src/A.scala", "out/a/A.class", "a.A", "a.A")
	r.RecordGeneratedLocalClass("src/A.scala", "out/a/A$anon$1.class")

	origins := make(OriginMap)
	origins.Absorb(r.Finalize())

	if origin, ok := origins["a.A"]; !ok || origin.Source != "src/A.scala" {
		t.Errorf("origin for a.A = %+v, %v", origin, ok)
	}
	if len(origins) != 1 {
		t.Errorf("local products should not enter the origin map: %v", origins)
	}
}
