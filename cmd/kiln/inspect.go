package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/analysis"
	kilnerrors "kiln/internal/errors"
)

var (
	inspectFormat string
	inspectSource string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize the stored analysis",
	Long: `Prints aggregate statistics for the stored analysis, or everything
recorded about a single source with --source.`,
	Run: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "text", "Output format (text, json, yaml)")
	inspectCmd.Flags().StringVar(&inspectSource, "source", "", "Drill into one source (root-relative path)")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) {
	logger := newLogger(inspectFormat)

	env := mustGetEnv(logger)

	a, err := env.Store.ReadAnalysis()
	if err != nil {
		if kilnerrors.IsCode(err, kilnerrors.AnalysisMissing) {
			fmt.Fprintln(os.Stderr, "No analysis stored yet. Import a snapshot or run a build first.")
		} else {
			fmt.Fprintf(os.Stderr, "Error reading analysis: %v\n", err)
		}
		os.Exit(1)
	}

	response, err := buildInspectResponse(env, a)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	output, err := FormatResponse(response, OutputFormat(inspectFormat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting output: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(output)
}

// InspectResponse summarizes a stored analysis for CLI output
type InspectResponse struct {
	Project        string           `json:"project" yaml:"project"`
	Sources        int              `json:"sources" yaml:"sources"`
	Classes        int              `json:"classes" yaml:"classes"`
	Products       int              `json:"products" yaml:"products"`
	InternalEdges  int              `json:"internalEdges" yaml:"internalEdges"`
	ExternalDeps   int              `json:"externalDeps" yaml:"externalDeps"`
	Libraries      int              `json:"libraries" yaml:"libraries"`
	Compilations   int              `json:"compilations" yaml:"compilations"`
	LastCompiledAt string           `json:"lastCompiledAt,omitempty" yaml:"lastCompiledAt,omitempty"`
	Source         *SourceDetailCLI `json:"source,omitempty" yaml:"source,omitempty"`
}

// SourceDetailCLI holds everything recorded about one source
type SourceDetailCLI struct {
	Path         string       `json:"path" yaml:"path"`
	Stamp        string       `json:"stamp" yaml:"stamp"`
	Classes      []string     `json:"classes,omitempty" yaml:"classes,omitempty"`
	Products     []string     `json:"products,omitempty" yaml:"products,omitempty"`
	DependsOn    []string     `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	ExternalDeps []string     `json:"externalDeps,omitempty" yaml:"externalDeps,omitempty"`
	LibraryDeps  []string     `json:"libraryDeps,omitempty" yaml:"libraryDeps,omitempty"`
	MainClasses  []string     `json:"mainClasses,omitempty" yaml:"mainClasses,omitempty"`
	Problems     []ProblemCLI `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// ProblemCLI is one diagnostic attached to a source
type ProblemCLI struct {
	Line     int    `json:"line" yaml:"line"`
	Column   int    `json:"column" yaml:"column"`
	Severity string `json:"severity" yaml:"severity"`
	Message  string `json:"message" yaml:"message"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

func buildInspectResponse(env *buildEnv, a *analysis.Analysis) (*InspectResponse, error) {
	stats := a.Stats()
	response := &InspectResponse{
		Project:       env.Manifest.Name,
		Sources:       stats.Sources,
		Classes:       stats.Classes,
		Products:      stats.Products,
		InternalEdges: stats.InternalEdges,
		ExternalDeps:  stats.ExternalDeps,
		Libraries:     stats.Libraries,
		Compilations:  stats.Compilations,
	}
	if n := len(a.Compilations); n > 0 {
		response.LastCompiledAt = a.Compilations[n-1].StartedAt.UTC().Format(time.RFC3339)
	}

	if inspectSource != "" {
		detail, err := sourceDetail(a, inspectSource)
		if err != nil {
			return nil, err
		}
		response.Source = detail
	}
	return response, nil
}

func sourceDetail(a *analysis.Analysis, src string) (*SourceDetailCLI, error) {
	stamp, ok := a.SourceStamps[src]
	if !ok {
		return nil, kilnerrors.New(kilnerrors.AnalysisMissing, "source not tracked: "+src, nil)
	}

	rel := a.Relations
	detail := &SourceDetailCLI{
		Path:    src,
		Stamp:   stamp.String(),
		Classes: rel.ClassesOf(src),
	}
	for _, p := range rel.ProductsOf(src) {
		detail.Products = append(detail.Products, p.File)
	}
	sort.Strings(detail.Products)

	dependsOn := make(map[string]bool)
	externals := make(map[string]bool)
	for _, class := range detail.Classes {
		for _, ctx := range analysis.Contexts {
			for _, dep := range rel.InternalDependenciesOf(class, ctx) {
				if depSrc, found := rel.SourceOfClass(dep); found && depSrc != src {
					dependsOn[depSrc] = true
				}
			}
		}
		for _, dep := range rel.ExternalDependenciesOf(class) {
			externals[dep] = true
		}
	}
	detail.DependsOn = sortedKeys(dependsOn)
	detail.ExternalDeps = sortedKeys(externals)
	detail.LibraryDeps = rel.LibraryDependenciesOf(src)

	if info, found := a.Infos[src]; found {
		detail.MainClasses = info.MainClasses
		for _, p := range info.Reported {
			detail.Problems = append(detail.Problems, problemCLI(p))
		}
		for _, p := range info.Unreported {
			detail.Problems = append(detail.Problems, problemCLI(p))
		}
	}
	return detail, nil
}

func problemCLI(p analysis.Problem) ProblemCLI {
	return ProblemCLI{
		Line:     p.Line,
		Column:   p.Column,
		Severity: string(p.Severity),
		Message:  p.Message,
		Category: p.Category,
	}
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
