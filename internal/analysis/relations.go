package analysis

import (
	"sort"

	"kiln/internal/classapi"
)

// DependencyContext distinguishes how one class depends on another.
// Inheritance edges propagate invalidation transitively; member
// references do not.
type DependencyContext string

const (
	MemberRef        DependencyContext = "memberRef"
	Inheritance      DependencyContext = "inheritance"
	LocalInheritance DependencyContext = "localInheritance"
)

// Contexts lists every dependency context in a stable order.
var Contexts = []DependencyContext{MemberRef, Inheritance, LocalInheritance}

// relation is a string->string many-to-many with both directions
// maintained, so dependent lookup never scans.
type relation struct {
	forward map[string]map[string]bool
	inverse map[string]map[string]bool
}

func newRelation() *relation {
	return &relation{
		forward: make(map[string]map[string]bool),
		inverse: make(map[string]map[string]bool),
	}
}

func (r *relation) add(from, to string) {
	addEdge(r.forward, from, to)
	addEdge(r.inverse, to, from)
}

func (r *relation) removeFrom(from string) {
	for to := range r.forward[from] {
		delete(r.inverse[to], from)
		if len(r.inverse[to]) == 0 {
			delete(r.inverse, to)
		}
	}
	delete(r.forward, from)
}

func (r *relation) forwardOf(from string) []string {
	return sortedKeys(r.forward[from])
}

func (r *relation) inverseOf(to string) []string {
	return sortedKeys(r.inverse[to])
}

func (r *relation) clone() *relation {
	return &relation{
		forward: cloneEdges(r.forward),
		inverse: cloneEdges(r.inverse),
	}
}

func (r *relation) size() int {
	n := 0
	for _, tos := range r.forward {
		n += len(tos)
	}
	return n
}

func addEdge(m map[string]map[string]bool, k, v string) {
	set := m[k]
	if set == nil {
		set = make(map[string]bool)
		m[k] = set
	}
	set[v] = true
}

func cloneEdges(m map[string]map[string]bool) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(m))
	for k, set := range m {
		cp := make(map[string]bool, len(set))
		for v := range set {
			cp[v] = true
		}
		out[k] = cp
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
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

// Product is one generated artifact. Local products are anonymous
// inner artifacts with no independently addressable class name;
// non-local products carry the source/binary class-name pair used to
// map binary names back to sources during invalidation.
type Product struct {
	File            string
	Stamp           string
	Local           bool
	SourceClassName string
	BinaryClassName string
}

// Relations holds every edge set of one Analysis, forward and inverse.
type Relations struct {
	products     map[string]Product // product file -> record
	sourceToProd *relation          // source file -> product file
	classes      *relation          // source file -> source class name
	prodClasses  *relation          // source class name -> binary class name
	internal     map[DependencyContext]*relation
	external     map[DependencyContext]*relation
	libraries    *relation // source file -> library file
	libClasses   *relation // library file -> binary class name
	usedNames    map[string]map[string]classapi.ScopeSet // class -> name -> scopes
	usedBy       map[string]map[string]bool              // name -> classes using it
}

// NewRelations returns an empty relation set.
func NewRelations() *Relations {
	internal := make(map[DependencyContext]*relation, len(Contexts))
	external := make(map[DependencyContext]*relation, len(Contexts))
	for _, ctx := range Contexts {
		internal[ctx] = newRelation()
		external[ctx] = newRelation()
	}
	return &Relations{
		products:     make(map[string]Product),
		sourceToProd: newRelation(),
		classes:      newRelation(),
		prodClasses:  newRelation(),
		internal:     internal,
		external:     external,
		libraries:    newRelation(),
		libClasses:   newRelation(),
		usedNames:    make(map[string]map[string]classapi.ScopeSet),
		usedBy:       make(map[string]map[string]bool),
	}
}

func (r *Relations) Clone() *Relations {
	internal := make(map[DependencyContext]*relation, len(r.internal))
	for ctx, rel := range r.internal {
		internal[ctx] = rel.clone()
	}
	external := make(map[DependencyContext]*relation, len(r.external))
	for ctx, rel := range r.external {
		external[ctx] = rel.clone()
	}
	products := make(map[string]Product, len(r.products))
	for k, v := range r.products {
		products[k] = v
	}
	usedNames := make(map[string]map[string]classapi.ScopeSet, len(r.usedNames))
	for cls, names := range r.usedNames {
		cp := make(map[string]classapi.ScopeSet, len(names))
		for n, s := range names {
			cp[n] = s
		}
		usedNames[cls] = cp
	}
	return &Relations{
		products:     products,
		sourceToProd: r.sourceToProd.clone(),
		classes:      r.classes.clone(),
		prodClasses:  r.prodClasses.clone(),
		internal:     internal,
		external:     external,
		libraries:    r.libraries.clone(),
		libClasses:   r.libClasses.clone(),
		usedNames:    usedNames,
		usedBy:       cloneEdges(r.usedBy),
	}
}

// AddProduct records a generated artifact for a source file.
func (r *Relations) AddProduct(source string, p Product) {
	r.products[p.File] = p
	r.sourceToProd.add(source, p.File)
	if !p.Local && p.SourceClassName != "" {
		r.prodClasses.add(p.SourceClassName, p.BinaryClassName)
	}
}

// AddClass records that a source file defines a source class name.
func (r *Relations) AddClass(source, className string) {
	r.classes.add(source, className)
}

// AddInternalDependency records from -> to within this build.
func (r *Relations) AddInternalDependency(from, to string, ctx DependencyContext) {
	r.internal[ctx].add(from, to)
}

// AddExternalDependency records from -> external binary class name.
func (r *Relations) AddExternalDependency(from, toBinary string, ctx DependencyContext) {
	r.external[ctx].add(from, toBinary)
}

// AddLibraryDependency records a pure library edge from a source file.
func (r *Relations) AddLibraryDependency(source, libraryFile, binaryClassName string) {
	r.libraries.add(source, libraryFile)
	if binaryClassName != "" {
		r.libClasses.add(libraryFile, binaryClassName)
	}
}

// AddLibraryClass records a binary class name for a library file
// without touching the source -> library relation. The store uses it
// when the two halves of a library fact are loaded separately.
func (r *Relations) AddLibraryClass(libraryFile, binaryClassName string) {
	r.libClasses.add(libraryFile, binaryClassName)
}

// AddUsedName records that a class references a name.
func (r *Relations) AddUsedName(fromClass, name string, scopes classapi.ScopeSet) {
	names := r.usedNames[fromClass]
	if names == nil {
		names = make(map[string]classapi.ScopeSet)
		r.usedNames[fromClass] = names
	}
	names[name] = names[name].Union(scopes)
	addEdge(r.usedBy, name, fromClass)
}

// ClassesOf returns the source class names defined by a source file.
func (r *Relations) ClassesOf(source string) []string {
	return r.classes.forwardOf(source)
}

// SourceOfClass returns the source file defining a source class name.
func (r *Relations) SourceOfClass(className string) (string, bool) {
	owners := r.classes.inverseOf(className)
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

// SourceClassOfBinary maps a binary class name back to its source
// class name through the non-local product relation.
func (r *Relations) SourceClassOfBinary(binaryClassName string) (string, bool) {
	srcs := r.prodClasses.inverseOf(binaryClassName)
	if len(srcs) == 0 {
		return "", false
	}
	return srcs[0], true
}

// BinaryClassesOf returns the binary class names produced for a source
// class name.
func (r *Relations) BinaryClassesOf(srcClassName string) []string {
	return r.prodClasses.forwardOf(srcClassName)
}

// ProductsOf returns the products generated by a source file.
func (r *Relations) ProductsOf(source string) []Product {
	files := r.sourceToProd.forwardOf(source)
	out := make([]Product, 0, len(files))
	for _, f := range files {
		out = append(out, r.products[f])
	}
	return out
}

// ProductFiles returns every product file in the analysis, sorted.
func (r *Relations) ProductFiles() []string {
	out := make([]string, 0, len(r.products))
	for f := range r.products {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// InternalDependenciesOf returns the classes from depends on in one
// context.
func (r *Relations) InternalDependenciesOf(from string, ctx DependencyContext) []string {
	return r.internal[ctx].forwardOf(from)
}

// InternalDependentsOf returns the classes depending on a class across
// the given contexts.
func (r *Relations) InternalDependentsOf(class string, ctxs ...DependencyContext) []string {
	if len(ctxs) == 0 {
		ctxs = Contexts
	}
	set := make(map[string]bool)
	for _, ctx := range ctxs {
		for _, from := range r.internal[ctx].inverseOf(class) {
			set[from] = true
		}
	}
	return sortedKeys(set)
}

// ExternalDependenciesOf returns the external binary class names a
// class depends on, across all contexts.
func (r *Relations) ExternalDependenciesOf(from string) []string {
	set := make(map[string]bool)
	for _, ctx := range Contexts {
		for _, to := range r.external[ctx].forwardOf(from) {
			set[to] = true
		}
	}
	return sortedKeys(set)
}

// ExternalDependentsOf returns the classes depending on an external
// binary class name across the given contexts.
func (r *Relations) ExternalDependentsOf(binaryClassName string, ctxs ...DependencyContext) []string {
	if len(ctxs) == 0 {
		ctxs = Contexts
	}
	set := make(map[string]bool)
	for _, ctx := range ctxs {
		for _, from := range r.external[ctx].inverseOf(binaryClassName) {
			set[from] = true
		}
	}
	return sortedKeys(set)
}

// ExternalTargets returns every external binary class name any class
// depends on.
func (r *Relations) ExternalTargets() []string {
	set := make(map[string]bool)
	for _, ctx := range Contexts {
		for _, tos := range r.external[ctx].forward {
			for to := range tos {
				set[to] = true
			}
		}
	}
	return sortedKeys(set)
}

// LibraryDependenciesOf returns the library files a source depends on.
func (r *Relations) LibraryDependenciesOf(source string) []string {
	return r.libraries.forwardOf(source)
}

// LibraryDependentsOf returns the source files depending on a library
// file.
func (r *Relations) LibraryDependentsOf(libraryFile string) []string {
	return r.libraries.inverseOf(libraryFile)
}

// LibraryFiles returns every library file any source depends on.
func (r *Relations) LibraryFiles() []string {
	set := make(map[string]bool)
	for _, libs := range r.libraries.forward {
		for lib := range libs {
			set[lib] = true
		}
	}
	return sortedKeys(set)
}

// LibraryClassNamesOf returns the binary class names recorded for a
// library file.
func (r *Relations) LibraryClassNamesOf(libraryFile string) []string {
	return r.libClasses.forwardOf(libraryFile)
}

// UsedNamesOf returns the name -> scope map a class references.
func (r *Relations) UsedNamesOf(class string) map[string]classapi.ScopeSet {
	return r.usedNames[class]
}

// ClassesUsing returns the classes referencing a name under any of the
// given scopes.
func (r *Relations) ClassesUsing(name string, scopes classapi.ScopeSet) []string {
	set := make(map[string]bool)
	for class := range r.usedBy[name] {
		if r.usedNames[class][name].Intersects(scopes) {
			set[class] = true
		}
	}
	return sortedKeys(set)
}

// AllClasses returns every source class name with a defining source.
func (r *Relations) AllClasses() []string {
	set := make(map[string]bool)
	for _, classes := range r.classes.forward {
		for c := range classes {
			set[c] = true
		}
	}
	return sortedKeys(set)
}

// AllSources returns every source file with any recorded fact.
func (r *Relations) AllSources() []string {
	set := make(map[string]bool)
	for src := range r.classes.forward {
		set[src] = true
	}
	for src := range r.sourceToProd.forward {
		set[src] = true
	}
	for src := range r.libraries.forward {
		set[src] = true
	}
	return sortedKeys(set)
}

// InternalEdges returns every internal edge in one context as (from,
// to) pairs, sorted. Inspect and the graph exporter iterate this.
func (r *Relations) InternalEdges(ctx DependencyContext) [][2]string {
	var out [][2]string
	for from, tos := range r.internal[ctx].forward {
		for to := range tos {
			out = append(out, [2]string{from, to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// ExternalEdges returns every external edge in one context as (from,
// toBinaryClassName) pairs, sorted.
func (r *Relations) ExternalEdges(ctx DependencyContext) [][2]string {
	var out [][2]string
	for from, tos := range r.external[ctx].forward {
		for to := range tos {
			out = append(out, [2]string{from, to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// removeSource drops every fact owned by a source file: its products,
// class definitions, outgoing edges, used names, and library deps.
// Edges into its classes stay; they belong to the dependent's record.
func (r *Relations) removeSource(source string) {
	for _, f := range r.sourceToProd.forwardOf(source) {
		p := r.products[f]
		if !p.Local && p.SourceClassName != "" {
			r.prodClasses.removeFrom(p.SourceClassName)
		}
		delete(r.products, f)
	}
	r.sourceToProd.removeFrom(source)

	for _, class := range r.classes.forwardOf(source) {
		for _, ctx := range Contexts {
			r.internal[ctx].removeFrom(class)
			r.external[ctx].removeFrom(class)
		}
		for name := range r.usedNames[class] {
			delete(r.usedBy[name], class)
			if len(r.usedBy[name]) == 0 {
				delete(r.usedBy, name)
			}
		}
		delete(r.usedNames, class)
	}
	r.classes.removeFrom(source)
	r.libraries.removeFrom(source)
}

// EdgeCount returns the total number of internal edges, for stats.
func (r *Relations) EdgeCount() int {
	n := 0
	for _, ctx := range Contexts {
		n += r.internal[ctx].size()
	}
	return n
}
