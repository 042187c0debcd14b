package stamp

import (
	"path/filepath"
	"sync"
)

// Provider computes stamps for the three file roles the engine tracks.
// Implementations return Absent for files that do not exist; they never
// fail, because a vanished file is a legitimate change, not an error.
type Provider interface {
	Source(path string) Stamp
	Product(path string) Stamp
	Binary(path string) Stamp
}

// FileProvider stamps real files: sources by content hash, products and
// binaries by mtime. HashProducts switches products to content hashes
// for filesystems with unreliable clocks.
type FileProvider struct {
	HashProducts bool
}

// NewFileProvider returns a provider with the default strategy.
func NewFileProvider() *FileProvider {
	return &FileProvider{}
}

func (p *FileProvider) Source(path string) Stamp {
	s, err := HashFile(path)
	if err != nil {
		return Absent()
	}
	return s
}

func (p *FileProvider) Product(path string) Stamp {
	if p.HashProducts {
		s, err := HashFile(path)
		if err != nil {
			return Absent()
		}
		return s
	}
	s, err := MtimeFile(path)
	if err != nil {
		return Absent()
	}
	return s
}

func (p *FileProvider) Binary(path string) Stamp {
	s, err := MtimeFile(path)
	if err != nil {
		return Absent()
	}
	return s
}

// Rooted resolves relative paths against a project root before
// delegating. Analyses store root-relative paths so they survive a
// checkout moving; this maps them back to real files.
type Rooted struct {
	Root  string
	Inner Provider
}

func (r *Rooted) Source(path string) Stamp  { return r.Inner.Source(r.resolve(path)) }
func (r *Rooted) Product(path string) Stamp { return r.Inner.Product(r.resolve(path)) }
func (r *Rooted) Binary(path string) Stamp  { return r.Inner.Binary(r.resolve(path)) }

func (r *Rooted) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.Root, filepath.FromSlash(path))
}

// CachedProvider memoizes another provider for the duration of one
// build. A build must observe a single consistent stamp per file even
// if the file changes underneath it mid-run; the first read wins.
type CachedProvider struct {
	inner Provider

	mu       sync.Mutex
	sources  map[string]Stamp
	products map[string]Stamp
	binaries map[string]Stamp
}

// NewCached wraps a provider with a per-build memo.
func NewCached(inner Provider) *CachedProvider {
	return &CachedProvider{
		inner:    inner,
		sources:  make(map[string]Stamp),
		products: make(map[string]Stamp),
		binaries: make(map[string]Stamp),
	}
}

func (c *CachedProvider) Source(path string) Stamp {
	return c.memo(c.sources, path, c.inner.Source)
}

func (c *CachedProvider) Product(path string) Stamp {
	return c.memo(c.products, path, c.inner.Product)
}

func (c *CachedProvider) Binary(path string) Stamp {
	return c.memo(c.binaries, path, c.inner.Binary)
}

func (c *CachedProvider) memo(cache map[string]Stamp, path string, compute func(string) Stamp) Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := cache[path]; ok {
		return s
	}
	s := compute(path)
	cache[path] = s
	return s
}

// MapProvider serves stamps from fixed maps. Tests use it to script
// exactly which files changed between builds.
type MapProvider struct {
	Sources  map[string]Stamp
	Products map[string]Stamp
	Binaries map[string]Stamp
}

func (m *MapProvider) Source(path string) Stamp  { return m.lookup(m.Sources, path) }
func (m *MapProvider) Product(path string) Stamp { return m.lookup(m.Products, path) }
func (m *MapProvider) Binary(path string) Stamp  { return m.lookup(m.Binaries, path) }

func (m *MapProvider) lookup(cache map[string]Stamp, path string) Stamp {
	if s, ok := cache[path]; ok {
		return s
	}
	return Absent()
}
