package lookup

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
	kilnerrors "kiln/internal/errors"
	"kiln/internal/logging"
	"kiln/internal/snapshot"
	"kiln/internal/storage"
)

// UpstreamsFileName is the conventional registry file, kept next to
// the project manifest.
const UpstreamsFileName = "upstreams.toml"

// Upstream declares one project whose analysis this project resolves
// binary class names against. Analysis points at either an exported
// snapshot or the upstream's database, told apart by extension.
type Upstream struct {
	Name     string `toml:"name"`
	Analysis string `toml:"analysis"`
}

// RegistryConfig is the parsed upstreams.toml.
type RegistryConfig struct {
	Upstreams []Upstream `toml:"upstream"`
}

// LoadRegistryConfig reads and validates an upstreams file. Relative
// analysis paths are resolved against the file's directory.
func LoadRegistryConfig(path string) (*RegistryConfig, error) {
	var cfg RegistryConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load upstreams file: %w", err)
	}

	seen := make(map[string]bool)
	base := filepath.Dir(path)
	for i, up := range cfg.Upstreams {
		if up.Name == "" {
			return nil, kilnerrors.New(kilnerrors.ProjectInvalid,
				fmt.Sprintf("upstream %d has no name", i), nil)
		}
		if up.Analysis == "" {
			return nil, kilnerrors.New(kilnerrors.ProjectInvalid,
				fmt.Sprintf("upstream %q has no analysis path", up.Name), nil)
		}
		if seen[up.Name] {
			return nil, kilnerrors.New(kilnerrors.ProjectInvalid,
				fmt.Sprintf("duplicate upstream %q", up.Name), nil)
		}
		seen[up.Name] = true
		if !filepath.IsAbs(up.Analysis) {
			cfg.Upstreams[i].Analysis = filepath.Join(base, up.Analysis)
		}
	}
	return &cfg, nil
}

// Registry resolves binary class names against the analyses of the
// configured upstream projects. All upstreams are loaded at
// construction, so resolution itself never fails and is safe for
// concurrent use by the recorder's workers.
type Registry struct {
	classes map[string]entry
}

// NewRegistry loads every configured upstream analysis and indexes its
// classes by binary name. When two upstreams define the same binary
// class name, the one listed first wins.
func NewRegistry(cfg *RegistryConfig, logger *logging.Logger) (*Registry, error) {
	r := &Registry{classes: make(map[string]entry)}

	for _, up := range cfg.Upstreams {
		a, err := loadUpstreamAnalysis(up.Analysis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load upstream %q: %w", up.Name, err)
		}
		indexed := r.index(up, a, logger)
		logger.Debug("Upstream analysis loaded", map[string]interface{}{
			"upstream": up.Name,
			"path":     up.Analysis,
			"classes":  indexed,
		})
	}
	return r, nil
}

func (r *Registry) index(up Upstream, a *analysis.Analysis, logger *logging.Logger) int {
	indexed := 0
	register := func(binaryName, srcClassName string, api classapi.AnalyzedClass) {
		if prev, ok := r.classes[binaryName]; ok {
			if prev.srcClassName != srcClassName {
				logger.Warn("Binary class defined by multiple upstreams", map[string]interface{}{
					"class":    binaryName,
					"kept":     prev.srcClassName,
					"upstream": up.Name,
				})
			}
			return
		}
		r.classes[binaryName] = entry{srcClassName: srcClassName, api: api}
		indexed++
	}

	for srcClassName, api := range a.Internal {
		for _, binaryName := range a.Relations.BinaryClassesOf(srcClassName) {
			register(binaryName, srcClassName, api)
		}
		// Classes without a recorded product, e.g. from a partial
		// upstream analysis, are still reachable by their own name.
		register(srcClassName, srcClassName, api)
	}
	return indexed
}

func (r *Registry) LookupAnalysis(binaryClassName string) (Handle, bool) {
	e, ok := r.classes[binaryClassName]
	if !ok {
		return nil, false
	}
	return e, true
}

// Size returns the number of resolvable binary class names.
func (r *Registry) Size() int {
	return len(r.classes)
}

// loadUpstreamAnalysis reads one upstream's analysis, sniffing the
// format by extension.
func loadUpstreamAnalysis(path string, logger *logging.Logger) (*analysis.Analysis, error) {
	switch {
	case strings.HasSuffix(path, snapshot.Extension):
		return snapshot.ReadFile(path)
	case strings.HasSuffix(path, ".db"):
		db, err := storage.OpenFile(path, logger)
		if err != nil {
			return nil, err
		}
		defer db.Close() //nolint:errcheck // Read-only use
		return storage.NewAnalysisStore(db, logger).ReadAnalysis()
	default:
		return nil, kilnerrors.New(kilnerrors.ProjectInvalid,
			fmt.Sprintf("analysis path %q must end in %s or .db", path, snapshot.Extension), nil)
	}
}
