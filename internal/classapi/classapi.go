// Package classapi models the public API shape of compiled classes and
// the two hash granularities invalidation works with: a whole-API hash
// per class, and per-name hashes that let a dependent survive upstream
// edits that never touch a name it uses.
package classapi

import (
	"encoding/binary"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DefKind separates a class from its companion object. Both sides
// report their API independently; name hashes are merged across the
// pair when comparing.
type DefKind string

const (
	ClassDef  DefKind = "class"
	ObjectDef DefKind = "object"
)

// UseScope qualifies how a name is used at a reference site.
type UseScope uint8

const (
	ScopeDefault UseScope = 1 << iota
	ScopeImplicit
	ScopePatternExpansion
)

// ScopeSet is a bitset of UseScopes.
type ScopeSet uint8

func NewScopeSet(scopes ...UseScope) ScopeSet {
	var s ScopeSet
	for _, sc := range scopes {
		s |= ScopeSet(sc)
	}
	return s
}

func (s ScopeSet) Has(scope UseScope) bool {
	return s&ScopeSet(scope) != 0
}

// Union merges two sets.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	return s | other
}

// Intersects reports whether the sets share any scope.
func (s ScopeSet) Intersects(other ScopeSet) bool {
	return s&other != 0
}

func (s ScopeSet) String() string {
	var parts []string
	if s.Has(ScopeDefault) {
		parts = append(parts, "default")
	}
	if s.Has(ScopeImplicit) {
		parts = append(parts, "implicit")
	}
	if s.Has(ScopePatternExpansion) {
		parts = append(parts, "patmat")
	}
	return strings.Join(parts, "|")
}

// ParseScopeSet reverses ScopeSet.String.
func ParseScopeSet(raw string) ScopeSet {
	var s ScopeSet
	for _, part := range strings.Split(raw, "|") {
		switch part {
		case "default":
			s |= ScopeSet(ScopeDefault)
		case "implicit":
			s |= ScopeSet(ScopeImplicit)
		case "patmat":
			s |= ScopeSet(ScopePatternExpansion)
		}
	}
	return s
}

// Member is one public member signature of a class-like. The signature
// string is opaque; the engine only hashes it.
type Member struct {
	Name      string
	Signature string
	Implicit  bool
}

// ClassLike is the structural description the front end reports for one
// class or companion object. The engine hashes it and otherwise treats
// it as opaque.
type ClassLike struct {
	Name     string
	Kind     DefKind
	TopLevel bool
	HasMacro bool
	Parents  []string
	Members  []Member
}

// APIHash computes the whole-API hash of the shape: kind, name,
// parents in declaration order, and members sorted for determinism.
// Bodies never feed the hash, so implementation-only edits keep it
// stable.
func (c *ClassLike) APIHash() uint64 {
	h := newHasher()
	h.write(string(c.Kind))
	h.write(c.Name)
	if c.HasMacro {
		h.write("macro")
	}
	for _, p := range c.Parents {
		h.write(p)
	}
	for _, m := range sortedMembers(c.Members) {
		h.write(m.Name)
		h.write(m.Signature)
		if m.Implicit {
			h.write("implicit")
		}
	}
	return h.sum()
}

// NameHashesOf computes per-name hashes for one class-like: every
// public member name hashes to a digest over all signatures sharing
// that name, so overloads fold into one hash. Implicit members hash
// under the implicit scope as well, because implicit resolution can
// change meaning at use sites that never spell the name.
func NameHashesOf(c *ClassLike) NameHashes {
	type bucket struct {
		scope ScopeSet
		sigs  []string
	}
	buckets := make(map[string]*bucket)
	for _, m := range c.Members {
		b := buckets[m.Name]
		if b == nil {
			b = &bucket{scope: NewScopeSet(ScopeDefault)}
			buckets[m.Name] = b
		}
		b.sigs = append(b.sigs, m.Signature)
		if m.Implicit {
			b.scope = b.scope.Union(NewScopeSet(ScopeImplicit))
		}
	}

	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	hashes := make(NameHashes, 0, len(buckets))
	for _, name := range names {
		b := buckets[name]
		sort.Strings(b.sigs)
		h := newHasher()
		h.write(name)
		for _, sig := range b.sigs {
			h.write(sig)
		}
		hashes = append(hashes, NameHash{Name: name, Scopes: b.scope, Hash: h.sum()})
	}
	return hashes
}

// sortedMembers returns a sorted copy so hashing never reorders the
// slice the front end handed us.
func sortedMembers(members []Member) []Member {
	out := make([]Member, len(members))
	copy(out, members)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

type hasher struct {
	inner interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

func newHasher() *hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b only fails on oversized keys; nil key cannot fail.
		panic(err)
	}
	return &hasher{inner: h}
}

func (h *hasher) write(s string) {
	_, _ = h.inner.Write([]byte(s))
	_, _ = h.inner.Write([]byte{0})
}

func (h *hasher) sum() uint64 {
	return binary.BigEndian.Uint64(h.inner.Sum(nil)[:8])
}
