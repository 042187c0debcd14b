package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"kiln/internal/analysis"
	"kiln/internal/depgraph"
	kilnerrors "kiln/internal/errors"
)

var (
	graphFormat  string
	graphContext string
	graphCycles  bool
	graphDOT     string
	graphClass   string
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Explore the class dependency graph",
	Long: `Builds the internal class dependency graph from the stored analysis.
Reports node and edge counts, detects dependency cycles, drills into a
single class, or renders the graph as Graphviz DOT. With --cycles the
command exits with status 1 when cycles exist.`,
	Run: runGraph,
}

func init() {
	graphCmd.Flags().StringVar(&graphFormat, "format", "text", "Output format (text, json, yaml)")
	graphCmd.Flags().StringVar(&graphContext, "context", "", "Restrict to one dependency context (memberRef, inheritance, localInheritance)")
	graphCmd.Flags().BoolVar(&graphCycles, "cycles", false, "Detect dependency cycles")
	graphCmd.Flags().StringVar(&graphDOT, "dot", "", "Write the graph as Graphviz DOT to a file ('-' for stdout)")
	graphCmd.Flags().StringVar(&graphClass, "class", "", "Show dependencies and dependents of one class")
	rootCmd.AddCommand(graphCmd)
}

func runGraph(cmd *cobra.Command, args []string) {
	logger := newLogger(graphFormat)

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

	ctxs, err := parseGraphContext(graphContext)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	g := depgraph.Build(a, ctxs...)

	if graphDOT != "" {
		if err := writeDOT(g, env.Manifest.Name, graphDOT); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing DOT: %v\n", err)
			os.Exit(1)
		}
		if graphDOT != "-" {
			fmt.Printf("DOT graph written to: %s\n", graphDOT)
		}
		return
	}

	response := &GraphResponse{
		Project: env.Manifest.Name,
		Context: graphContext,
		Classes: len(g.Classes()),
		Edges:   len(g.Edges()),
	}
	if graphCycles {
		response.CycleCheck = true
		response.Cycles = g.Cycles()
	}
	if graphClass != "" {
		response.Class = &ClassDetailCLI{
			Name:       graphClass,
			DependsOn:  g.DependenciesOf(graphClass),
			Dependents: g.DependentsOf(graphClass),
		}
	}

	output, err := FormatResponse(response, OutputFormat(graphFormat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting output: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(output)

	if graphCycles && len(response.Cycles) > 0 {
		os.Exit(1)
	}
}

// GraphResponse summarizes the dependency graph for CLI output
type GraphResponse struct {
	Project    string          `json:"project" yaml:"project"`
	Context    string          `json:"context,omitempty" yaml:"context,omitempty"`
	Classes    int             `json:"classes" yaml:"classes"`
	Edges      int             `json:"edges" yaml:"edges"`
	CycleCheck bool            `json:"cycleCheck" yaml:"cycleCheck"`
	Cycles     [][]string      `json:"cycles,omitempty" yaml:"cycles,omitempty"`
	Class      *ClassDetailCLI `json:"class,omitempty" yaml:"class,omitempty"`
}

// ClassDetailCLI shows one class's place in the graph
type ClassDetailCLI struct {
	Name       string   `json:"name" yaml:"name"`
	DependsOn  []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Dependents []string `json:"dependents,omitempty" yaml:"dependents,omitempty"`
}

func parseGraphContext(s string) ([]analysis.DependencyContext, error) {
	if s == "" {
		return nil, nil
	}
	for _, ctx := range analysis.Contexts {
		if string(ctx) == s {
			return []analysis.DependencyContext{ctx}, nil
		}
	}
	return nil, fmt.Errorf("unknown dependency context: %s", s)
}

func writeDOT(g *depgraph.Graph, name, path string) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return g.WriteDOT(w, name)
}
