// Package snapshot reads and writes portable analysis snapshots.
// A snapshot is a single zstd frame wrapping a JSON document, so it can
// be committed, shipped between machines, and imported by a downstream
// project without that project opening the producer's database.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
	kilnerrors "kiln/internal/errors"
	"kiln/internal/stamp"
)

// FormatVersion guards against importing snapshots written by an
// incompatible kiln.
const FormatVersion = 1

// Extension is the conventional snapshot file extension.
const Extension = ".kasnap"

type document struct {
	Format    int    `json:"format"`
	WrittenAt string `json:"writtenAt"`

	SourceStamps map[string]string `json:"sourceStamps,omitempty"`
	BinaryStamps map[string]string `json:"binaryStamps,omitempty"`

	SourceClasses  []sourceClassDoc  `json:"sourceClasses,omitempty"`
	Products       []productDoc      `json:"products,omitempty"`
	InternalDeps   []edgeDoc         `json:"internalDeps,omitempty"`
	ExternalDeps   []edgeDoc         `json:"externalDeps,omitempty"`
	LibraryDeps    []libraryDoc      `json:"libraryDeps,omitempty"`
	LibraryClasses []libraryClassDoc `json:"libraryClasses,omitempty"`
	UsedNames      []usedNameDoc     `json:"usedNames,omitempty"`
	APIs           []apiDoc          `json:"apis,omitempty"`
	Problems       []problemDoc      `json:"problems,omitempty"`
	MainClasses    []mainClassDoc    `json:"mainClasses,omitempty"`
	Compilations   []compilationDoc  `json:"compilations,omitempty"`
}

type sourceClassDoc struct {
	Source string `json:"source"`
	Class  string `json:"class"`
}

type productDoc struct {
	Source      string `json:"source"`
	File        string `json:"file"`
	Stamp       string `json:"stamp,omitempty"`
	Local       bool   `json:"local,omitempty"`
	SourceClass string `json:"sourceClass,omitempty"`
	BinaryClass string `json:"binaryClass,omitempty"`
}

type edgeDoc struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Context string `json:"context"`
}

type libraryDoc struct {
	Source string `json:"source"`
	File   string `json:"file"`
}

type libraryClassDoc struct {
	File        string `json:"file"`
	BinaryClass string `json:"binaryClass"`
}

type usedNameDoc struct {
	Class  string `json:"class"`
	Name   string `json:"name"`
	Scopes string `json:"scopes"`
}

type nameHashDoc struct {
	Name   string `json:"name"`
	Scopes string `json:"scopes"`
	Hash   uint64 `json:"hash"`
}

type apiDoc struct {
	Name       string        `json:"name"`
	Origin     string        `json:"origin"`
	CompiledAt int64         `json:"compiledAt"`
	APIHash    uint64        `json:"apiHash"`
	HasMacro   bool          `json:"hasMacro,omitempty"`
	NameHashes []nameHashDoc `json:"nameHashes,omitempty"`
}

type problemDoc struct {
	Source   string `json:"source"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
	Reported bool   `json:"reported"`
}

type mainClassDoc struct {
	Source string `json:"source"`
	Class  string `json:"class"`
}

type compilationDoc struct {
	ID        string `json:"id"`
	StartedAt int64  `json:"startedAt"`
	OutputDir string `json:"outputDir,omitempty"`
	Cycle     int    `json:"cycle"`
}

// Write serializes a to w as a compressed snapshot.
func Write(w io.Writer, a *analysis.Analysis) error {
	doc := encode(a)

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create snapshot writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		zw.Close() //nolint:errcheck // Best effort cleanup
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return nil
}

// Read deserializes a snapshot from r. Data that is not a kiln
// snapshot, or was written by an incompatible version, reports
// SnapshotInvalid.
func Read(r io.Reader) (*analysis.Analysis, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot reader: %w", err)
	}
	defer zr.Close()

	// A stream that is not zstd, or whose payload is not the expected
	// JSON, both surface here.
	var doc document
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, kilnerrors.New(kilnerrors.SnapshotInvalid, "not a kiln snapshot", err)
	}
	if doc.Format != FormatVersion {
		return nil, kilnerrors.New(kilnerrors.SnapshotInvalid,
			fmt.Sprintf("unsupported snapshot format %d", doc.Format), nil)
	}
	return decode(&doc)
}

// WriteFile writes a snapshot to path.
func WriteFile(path string, a *analysis.Analysis) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if err := Write(f, a); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup
		return err
	}
	return f.Close()
}

// ReadFile reads a snapshot from path.
func ReadFile(path string) (*analysis.Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close() //nolint:errcheck // Read-only file

	return Read(f)
}

func encode(a *analysis.Analysis) *document {
	doc := &document{
		Format:    FormatVersion,
		WrittenAt: time.Now().UTC().Format(time.RFC3339),
	}

	if len(a.SourceStamps) > 0 {
		doc.SourceStamps = make(map[string]string, len(a.SourceStamps))
		for src, st := range a.SourceStamps {
			doc.SourceStamps[src] = st.String()
		}
	}
	if len(a.BinaryStamps) > 0 {
		doc.BinaryStamps = make(map[string]string, len(a.BinaryStamps))
		for file, st := range a.BinaryStamps {
			doc.BinaryStamps[file] = st.String()
		}
	}

	rel := a.Relations
	for _, src := range rel.AllSources() {
		for _, class := range rel.ClassesOf(src) {
			doc.SourceClasses = append(doc.SourceClasses, sourceClassDoc{Source: src, Class: class})
		}
		for _, p := range rel.ProductsOf(src) {
			doc.Products = append(doc.Products, productDoc{
				Source:      src,
				File:        p.File,
				Stamp:       p.Stamp,
				Local:       p.Local,
				SourceClass: p.SourceClassName,
				BinaryClass: p.BinaryClassName,
			})
		}
		for _, lib := range rel.LibraryDependenciesOf(src) {
			doc.LibraryDeps = append(doc.LibraryDeps, libraryDoc{Source: src, File: lib})
		}
	}
	for _, file := range rel.LibraryFiles() {
		for _, class := range rel.LibraryClassNamesOf(file) {
			doc.LibraryClasses = append(doc.LibraryClasses, libraryClassDoc{File: file, BinaryClass: class})
		}
	}
	for _, ctx := range analysis.Contexts {
		for _, edge := range rel.InternalEdges(ctx) {
			doc.InternalDeps = append(doc.InternalDeps, edgeDoc{From: edge[0], To: edge[1], Context: string(ctx)})
		}
		for _, edge := range rel.ExternalEdges(ctx) {
			doc.ExternalDeps = append(doc.ExternalDeps, edgeDoc{From: edge[0], To: edge[1], Context: string(ctx)})
		}
	}
	for _, class := range rel.AllClasses() {
		used := rel.UsedNamesOf(class)
		names := make([]string, 0, len(used))
		for name := range used {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			doc.UsedNames = append(doc.UsedNames, usedNameDoc{
				Class:  class,
				Name:   name,
				Scopes: used[name].String(),
			})
		}
	}

	encodeAPIs := func(origin string, apis map[string]classapi.AnalyzedClass) {
		names := make([]string, 0, len(apis))
		for name := range apis {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ac := apis[name]
			ad := apiDoc{
				Name:       ac.Name,
				Origin:     origin,
				CompiledAt: ac.CompiledAt.UnixNano(),
				APIHash:    ac.APIHash,
				HasMacro:   ac.HasMacro,
			}
			for _, nh := range ac.NameHashes {
				ad.NameHashes = append(ad.NameHashes, nameHashDoc{
					Name:   nh.Name,
					Scopes: nh.Scopes.String(),
					Hash:   nh.Hash,
				})
			}
			doc.APIs = append(doc.APIs, ad)
		}
	}
	encodeAPIs("internal", a.Internal)
	encodeAPIs("external", a.External)

	sources := make([]string, 0, len(a.Infos))
	for src := range a.Infos {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		info := a.Infos[src]
		for _, p := range info.Reported {
			doc.Problems = append(doc.Problems, encodeProblem(src, p, true))
		}
		for _, p := range info.Unreported {
			doc.Problems = append(doc.Problems, encodeProblem(src, p, false))
		}
		for _, class := range info.MainClasses {
			doc.MainClasses = append(doc.MainClasses, mainClassDoc{Source: src, Class: class})
		}
	}

	for _, c := range a.Compilations {
		doc.Compilations = append(doc.Compilations, compilationDoc{
			ID:        c.ID,
			StartedAt: c.StartedAt.UnixNano(),
			OutputDir: c.OutputDir,
			Cycle:     c.Cycle,
		})
	}
	return doc
}

func encodeProblem(src string, p analysis.Problem, reported bool) problemDoc {
	return problemDoc{
		Source:   src,
		Line:     p.Line,
		Column:   p.Column,
		Severity: string(p.Severity),
		Category: p.Category,
		Message:  p.Message,
		Reported: reported,
	}
}

func decode(doc *document) (*analysis.Analysis, error) {
	a := analysis.Empty()

	for src, raw := range doc.SourceStamps {
		st, err := stamp.Parse(raw)
		if err != nil {
			return nil, kilnerrors.New(kilnerrors.SnapshotInvalid, fmt.Sprintf("bad stamp for %s", src), err)
		}
		a.SourceStamps[src] = st
	}
	for file, raw := range doc.BinaryStamps {
		st, err := stamp.Parse(raw)
		if err != nil {
			return nil, kilnerrors.New(kilnerrors.SnapshotInvalid, fmt.Sprintf("bad stamp for %s", file), err)
		}
		a.BinaryStamps[file] = st
	}

	rel := a.Relations
	for _, sc := range doc.SourceClasses {
		rel.AddClass(sc.Source, sc.Class)
	}
	for _, p := range doc.Products {
		rel.AddProduct(p.Source, analysis.Product{
			File:            p.File,
			Stamp:           p.Stamp,
			Local:           p.Local,
			SourceClassName: p.SourceClass,
			BinaryClassName: p.BinaryClass,
		})
	}
	for _, e := range doc.InternalDeps {
		rel.AddInternalDependency(e.From, e.To, analysis.DependencyContext(e.Context))
	}
	for _, e := range doc.ExternalDeps {
		rel.AddExternalDependency(e.From, e.To, analysis.DependencyContext(e.Context))
	}
	for _, l := range doc.LibraryDeps {
		rel.AddLibraryDependency(l.Source, l.File, "")
	}
	for _, lc := range doc.LibraryClasses {
		rel.AddLibraryClass(lc.File, lc.BinaryClass)
	}
	for _, un := range doc.UsedNames {
		rel.AddUsedName(un.Class, un.Name, classapi.ParseScopeSet(un.Scopes))
	}

	for _, ad := range doc.APIs {
		var hashes classapi.NameHashes
		for _, nh := range ad.NameHashes {
			hashes = append(hashes, classapi.NameHash{
				Name:   nh.Name,
				Scopes: classapi.ParseScopeSet(nh.Scopes),
				Hash:   nh.Hash,
			})
		}
		ac := classapi.AnalyzedClass{
			Name:       ad.Name,
			CompiledAt: time.Unix(0, ad.CompiledAt).UTC(),
			APIHash:    ad.APIHash,
			NameHashes: hashes,
			HasMacro:   ad.HasMacro,
		}
		switch ad.Origin {
		case "internal":
			a.Internal[ad.Name] = ac
		case "external":
			a.External[ad.Name] = ac
		default:
			return nil, kilnerrors.New(kilnerrors.SnapshotInvalid,
				fmt.Sprintf("unknown API origin %q for %s", ad.Origin, ad.Name), nil)
		}
	}

	info := func(src string) *analysis.SourceInfo {
		si, ok := a.Infos[src]
		if !ok {
			si = &analysis.SourceInfo{}
			a.Infos[src] = si
		}
		return si
	}
	for _, pd := range doc.Problems {
		p := analysis.Problem{
			Source:   pd.Source,
			Line:     pd.Line,
			Column:   pd.Column,
			Severity: analysis.Severity(pd.Severity),
			Category: pd.Category,
			Message:  pd.Message,
		}
		si := info(pd.Source)
		if pd.Reported {
			si.Reported = append(si.Reported, p)
		} else {
			si.Unreported = append(si.Unreported, p)
		}
	}
	for _, mc := range doc.MainClasses {
		si := info(mc.Source)
		si.MainClasses = append(si.MainClasses, mc.Class)
	}

	for _, cd := range doc.Compilations {
		a.Compilations = append(a.Compilations, analysis.Compilation{
			ID:        cd.ID,
			StartedAt: time.Unix(0, cd.StartedAt).UTC(),
			OutputDir: cd.OutputDir,
			Cycle:     cd.Cycle,
		})
	}
	return a, nil
}
