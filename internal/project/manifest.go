// Package project loads the kiln.toml manifest declaring a project's
// sources, classpath, output directory, and upstream wiring.
package project

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/pelletier/go-toml/v2"

	kilnerrors "kiln/internal/errors"
)

// ManifestName is the manifest file kiln looks for at the project root.
const ManifestName = "kiln.toml"

// CurrentVersion is the manifest schema version this build understands.
const CurrentVersion = 1

// Options carries per-project overrides of the build defaults. Nil
// fields mean "use the configured default".
type Options struct {
	MaxCycles            *int     `toml:"max_cycles,omitempty"`
	RecompileAllFraction *float64 `toml:"recompile_all_fraction,omitempty"`
}

// Manifest is the parsed kiln.toml.
type Manifest struct {
	Version int    `toml:"version"`
	Name    string `toml:"name"`

	// SourceDirs are scanned recursively for files with a matching
	// extension. Paths are relative to the project root.
	SourceDirs []string `toml:"source_dirs,omitempty"`
	Extensions []string `toml:"extensions,omitempty"`

	// Exclude globs are matched against root-relative slash paths.
	Exclude []string `toml:"exclude,omitempty"`

	// Classpath lists the binary dependencies whose stamps the change
	// detector watches, typically jars.
	Classpath []string `toml:"classpath,omitempty"`

	OutputDir string `toml:"output_dir,omitempty"`

	// UpstreamsFile overrides where the upstream registry is declared.
	// Empty means the conventional file next to this manifest.
	UpstreamsFile string `toml:"upstreams_file,omitempty"`

	Options Options `toml:"options,omitempty"`
}

// Load reads and validates the manifest at root.
func Load(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ManifestName, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, kilnerrors.New(kilnerrors.ProjectInvalid, "malformed "+ManifestName, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the manifest to root. Init uses it to scaffold a
// project.
func (m *Manifest) Save(root string) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", ManifestName, err)
	}
	return os.WriteFile(filepath.Join(root, ManifestName), data, 0644)
}

func (m *Manifest) applyDefaults() {
	if len(m.SourceDirs) == 0 {
		m.SourceDirs = []string{"src"}
	}
	if len(m.Extensions) == 0 {
		m.Extensions = []string{".scala", ".java"}
	}
	if m.OutputDir == "" {
		m.OutputDir = "out"
	}
}

// Validate checks the manifest's declared fields.
func (m *Manifest) Validate() error {
	if m.Version != CurrentVersion {
		return kilnerrors.New(kilnerrors.ProjectInvalid,
			fmt.Sprintf("unsupported manifest version %d", m.Version), nil)
	}
	if m.Name == "" {
		return kilnerrors.New(kilnerrors.ProjectInvalid, "manifest has no project name", nil)
	}
	for _, ext := range m.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return kilnerrors.New(kilnerrors.ProjectInvalid,
				fmt.Sprintf("extension %q must start with a dot", ext), nil)
		}
	}
	if _, err := compileGlobs(m.Exclude); err != nil {
		return kilnerrors.New(kilnerrors.ProjectInvalid, "bad exclude pattern", err)
	}
	return nil
}

// Sources walks the declared source directories and returns every
// matching file as a root-relative slash path, sorted. Declared
// directories that do not exist yet are skipped.
func (m *Manifest) Sources(root string) ([]string, error) {
	excludes, err := compileGlobs(m.Exclude)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, dir := range m.SourceDirs {
		base := filepath.Join(root, filepath.FromSlash(dir))
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if matchesAny(excludes, rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if !m.matchesExtension(d.Name()) || matchesAny(excludes, rel) {
				return nil
			}
			if !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manifest) matchesExtension(name string) bool {
	for _, ext := range m.Extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchesAny(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// FindRoot walks upward from start until it finds a directory holding
// the manifest.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ManifestName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", kilnerrors.New(kilnerrors.ProjectInvalid,
				fmt.Sprintf("no %s found in %s or any parent", ManifestName, start), nil)
		}
		dir = parent
	}
}
