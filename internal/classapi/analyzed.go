package classapi

import (
	"sort"
	"sync"
	"time"
)

// NameHash is the hash of one public name's resolved meaning within a
// class-like, qualified by the scopes it is visible under.
type NameHash struct {
	Name   string
	Scopes ScopeSet
	Hash   uint64
}

// NameHashes is the per-name hash set of one class-like, sorted by name.
type NameHashes []NameHash

// Lookup returns the hash entry for a name.
func (n NameHashes) Lookup(name string) (NameHash, bool) {
	for _, nh := range n {
		if nh.Name == name {
			return nh, true
		}
	}
	return NameHash{}, false
}

// MergeNameHashes folds the class and companion-object hash sets into
// one view. A name present on both sides combines hashes
// order-independently so class/object report order never matters.
func MergeNameHashes(a, b NameHashes) NameHashes {
	merged := make(map[string]NameHash)
	for _, nh := range a {
		merged[nh.Name] = nh
	}
	for _, nh := range b {
		if prev, ok := merged[nh.Name]; ok {
			merged[nh.Name] = NameHash{
				Name:   nh.Name,
				Scopes: prev.Scopes.Union(nh.Scopes),
				Hash:   prev.Hash ^ nh.Hash,
			}
			continue
		}
		merged[nh.Name] = nh
	}

	out := make(NameHashes, 0, len(merged))
	for _, nh := range merged {
		out = append(out, nh)
	}
	sortNameHashes(out)
	return out
}

// ChangedNames compares two hash sets and returns the names whose
// meaning moved: changed hash, added, or removed. The scope set of a
// changed name is the union of both sides so dependents using the name
// under any scope see the change.
func ChangedNames(old, new NameHashes) map[string]ScopeSet {
	changed := make(map[string]ScopeSet)
	oldByName := make(map[string]NameHash, len(old))
	for _, nh := range old {
		oldByName[nh.Name] = nh
	}
	for _, nh := range new {
		prev, ok := oldByName[nh.Name]
		if !ok {
			changed[nh.Name] = nh.Scopes
			continue
		}
		if prev.Hash != nh.Hash {
			changed[nh.Name] = prev.Scopes.Union(nh.Scopes)
		}
		delete(oldByName, nh.Name)
	}
	for name, nh := range oldByName {
		changed[name] = nh.Scopes
	}
	return changed
}

// UsedName is one "class X references name N" fact.
type UsedName struct {
	Name   string
	Scopes ScopeSet
}

// Companions pairs the class and object sides of one source class name.
// Either side may be nil when only one was defined.
type Companions struct {
	Class  *ClassLike
	Object *ClassLike
}

// APICell is the single-assignment memo holding a class's structural
// API tree. The tree is computed at most once and shared by every
// consumer; it is never mutated after construction.
type APICell struct {
	once    sync.Once
	compute func() Companions
	value   Companions
}

// NewAPICell wraps a deferred computation.
func NewAPICell(compute func() Companions) *APICell {
	return &APICell{compute: compute}
}

// StoredAPICell wraps an already-materialized value.
func StoredAPICell(value Companions) *APICell {
	c := &APICell{}
	c.once.Do(func() {})
	c.value = value
	return c
}

// Get forces the cell. Safe for concurrent use.
func (c *APICell) Get() Companions {
	c.once.Do(func() {
		c.value = c.compute()
		c.compute = nil
	})
	return c.value
}

// AnalyzedClass is the per-class API record invalidation consults: the
// whole-API hash, the merged name hashes, and the macro flag that
// forces conservative invalidation of all dependents.
type AnalyzedClass struct {
	Name       string
	CompiledAt time.Time
	APIHash    uint64
	NameHashes NameHashes
	HasMacro   bool
	api        *APICell
}

// NewAnalyzedClass builds a record from the reported class and
// companion-object shapes.
func NewAnalyzedClass(name string, compiledAt time.Time, pair Companions) AnalyzedClass {
	var apiHash uint64
	var hashes NameHashes
	var macro bool
	if pair.Class != nil {
		apiHash ^= pair.Class.APIHash()
		hashes = MergeNameHashes(hashes, NameHashesOf(pair.Class))
		macro = macro || pair.Class.HasMacro
	}
	if pair.Object != nil {
		apiHash ^= pair.Object.APIHash()
		hashes = MergeNameHashes(hashes, NameHashesOf(pair.Object))
		macro = macro || pair.Object.HasMacro
	}
	return AnalyzedClass{
		Name:       name,
		CompiledAt: compiledAt,
		APIHash:    apiHash,
		NameHashes: hashes,
		HasMacro:   macro,
		api:        StoredAPICell(pair),
	}
}

// Empty is the record for a class with no API information, e.g. one
// that was removed. Comparing any real record against it reports a
// change.
func Empty(name string) AnalyzedClass {
	return AnalyzedClass{Name: name, api: StoredAPICell(Companions{})}
}

// WithLazyAPI attaches a deferred API tree, used when loading from the
// store so the tree is only decoded on first access.
func (a AnalyzedClass) WithLazyAPI(compute func() Companions) AnalyzedClass {
	a.api = NewAPICell(compute)
	return a
}

// API forces and returns the shared structural tree.
func (a AnalyzedClass) API() Companions {
	if a.api == nil {
		return Companions{}
	}
	return a.api.Get()
}

// SameAPI reports whether two records have the same whole-API hash.
func SameAPI(old, new AnalyzedClass) bool {
	return old.APIHash == new.APIHash
}

func sortNameHashes(hashes NameHashes) {
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Name < hashes[j].Name
	})
}
