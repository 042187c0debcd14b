package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
	FormatYAML OutputFormat = "yaml"
)

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatYAML:
		return formatYAML(resp)
	case FormatText, "":
		return formatText(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// formatJSON formats the response as JSON
func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// formatYAML formats the response as YAML
func formatYAML(resp interface{}) (string, error) {
	data, err := yaml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// formatText formats the response for terminals
func formatText(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *PlanResponse:
		return formatPlanText(v)
	case *InspectResponse:
		return formatInspectText(v)
	case *GraphResponse:
		return formatGraphText(v)
	default:
		// For unknown types, fall back to JSON
		data, err := formatJSON(resp)
		if err != nil {
			return "", err
		}
		return "Text format not available, showing JSON:\n" + data, nil
	}
}

// formatPlanText formats a PlanResponse for terminals
func formatPlanText(resp *PlanResponse) (string, error) {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Build Plan - %s\n", resp.Project))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	if resp.UpToDate {
		b.WriteString(fmt.Sprintf("✓ Up to date (%d sources tracked)\n", resp.TotalSources))
		return b.String(), nil
	}

	b.WriteString("Changes:\n")
	for _, src := range resp.Added {
		b.WriteString(fmt.Sprintf("  + %s\n", src))
	}
	for _, src := range resp.Modified {
		b.WriteString(fmt.Sprintf("  ~ %s\n", src))
	}
	for _, src := range resp.Removed {
		b.WriteString(fmt.Sprintf("  - %s\n", src))
	}
	for _, lib := range resp.ChangedBinaries {
		b.WriteString(fmt.Sprintf("  jar: %s\n", lib))
	}
	for _, name := range resp.ChangedExternal {
		b.WriteString(fmt.Sprintf("  upstream: %s\n", name))
	}
	b.WriteString("\n")

	if len(resp.InvalidatedClasses) > 0 {
		b.WriteString(fmt.Sprintf("Invalidated classes (%d):\n", len(resp.InvalidatedClasses)))
		writeListText(&b, resp.InvalidatedClasses, 10)
		b.WriteString("\n")
	}

	if resp.FullRecompile {
		b.WriteString(fmt.Sprintf("Recompile: all %d sources (invalidation crossed the threshold)\n", resp.TotalSources))
	} else {
		b.WriteString(fmt.Sprintf("Recompile (%d of %d sources):\n", len(resp.RecompileSources), resp.TotalSources))
		writeListText(&b, resp.RecompileSources, 20)
	}

	if len(resp.PendingDeletions) > 0 {
		b.WriteString(fmt.Sprintf("\nProducts to delete (%d):\n", len(resp.PendingDeletions)))
		writeListText(&b, resp.PendingDeletions, 10)
	}

	return b.String(), nil
}

// formatInspectText formats an InspectResponse for terminals
func formatInspectText(resp *InspectResponse) (string, error) {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Analysis - %s\n", resp.Project))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	b.WriteString(fmt.Sprintf("Sources:        %d\n", resp.Sources))
	b.WriteString(fmt.Sprintf("Classes:        %d\n", resp.Classes))
	b.WriteString(fmt.Sprintf("Products:       %d\n", resp.Products))
	b.WriteString(fmt.Sprintf("Internal edges: %d\n", resp.InternalEdges))
	b.WriteString(fmt.Sprintf("External deps:  %d\n", resp.ExternalDeps))
	b.WriteString(fmt.Sprintf("Libraries:      %d\n", resp.Libraries))
	b.WriteString(fmt.Sprintf("Compilations:   %d\n", resp.Compilations))
	if resp.LastCompiledAt != "" {
		b.WriteString(fmt.Sprintf("Last compiled:  %s\n", resp.LastCompiledAt))
	}

	if s := resp.Source; s != nil {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("Source: %s\n", s.Path))
		b.WriteString(strings.Repeat("-", 60) + "\n")
		b.WriteString(fmt.Sprintf("  Stamp: %s\n", s.Stamp))

		if len(s.Classes) > 0 {
			b.WriteString(fmt.Sprintf("  Classes (%d):\n", len(s.Classes)))
			for _, c := range s.Classes {
				b.WriteString(fmt.Sprintf("    %s\n", c))
			}
		}
		if len(s.Products) > 0 {
			b.WriteString(fmt.Sprintf("  Products (%d):\n", len(s.Products)))
			for _, p := range s.Products {
				b.WriteString(fmt.Sprintf("    %s\n", p))
			}
		}
		if len(s.DependsOn) > 0 {
			b.WriteString("  Depends on sources:\n")
			for _, d := range s.DependsOn {
				b.WriteString(fmt.Sprintf("    %s\n", d))
			}
		}
		if len(s.ExternalDeps) > 0 {
			b.WriteString("  External classes used:\n")
			for _, d := range s.ExternalDeps {
				b.WriteString(fmt.Sprintf("    %s\n", d))
			}
		}
		if len(s.LibraryDeps) > 0 {
			b.WriteString("  Libraries used:\n")
			for _, d := range s.LibraryDeps {
				b.WriteString(fmt.Sprintf("    %s\n", d))
			}
		}
		if len(s.MainClasses) > 0 {
			b.WriteString(fmt.Sprintf("  Main classes: %s\n", strings.Join(s.MainClasses, ", ")))
		}
		if len(s.Problems) > 0 {
			b.WriteString(fmt.Sprintf("  Problems (%d):\n", len(s.Problems)))
			for _, p := range s.Problems {
				b.WriteString(fmt.Sprintf("    %s:%d:%d %s: %s\n", s.Path, p.Line, p.Column, p.Severity, p.Message))
			}
		}
	}

	return b.String(), nil
}

// formatGraphText formats a GraphResponse for terminals
func formatGraphText(resp *GraphResponse) (string, error) {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Dependency Graph - %s\n", resp.Project))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	if resp.Context != "" {
		b.WriteString(fmt.Sprintf("Context: %s\n", resp.Context))
	}
	b.WriteString(fmt.Sprintf("Classes: %d\n", resp.Classes))
	b.WriteString(fmt.Sprintf("Edges:   %d\n", resp.Edges))

	if resp.CycleCheck {
		b.WriteString("\n")
		if len(resp.Cycles) == 0 {
			b.WriteString("✓ No dependency cycles\n")
		} else {
			b.WriteString(fmt.Sprintf("✗ Dependency cycles (%d):\n", len(resp.Cycles)))
			for i, cycle := range resp.Cycles {
				b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, strings.Join(cycle, " -> ")))
			}
		}
	}

	if resp.Class != nil {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("Class: %s\n", resp.Class.Name))
		b.WriteString(strings.Repeat("-", 60) + "\n")
		if len(resp.Class.DependsOn) > 0 {
			b.WriteString(fmt.Sprintf("  Depends on (%d):\n", len(resp.Class.DependsOn)))
			writeListText(&b, resp.Class.DependsOn, 20)
		}
		if len(resp.Class.Dependents) > 0 {
			b.WriteString(fmt.Sprintf("  Depended on by (%d):\n", len(resp.Class.Dependents)))
			writeListText(&b, resp.Class.Dependents, 20)
		}
		if len(resp.Class.DependsOn) == 0 && len(resp.Class.Dependents) == 0 {
			b.WriteString("  No recorded dependencies\n")
		}
	}

	return b.String(), nil
}

// writeListText writes up to limit items, noting how many were elided.
func writeListText(b *strings.Builder, items []string, limit int) {
	for _, item := range items[:min(limit, len(items))] {
		b.WriteString(fmt.Sprintf("  %s\n", item))
	}
	if len(items) > limit {
		b.WriteString(fmt.Sprintf("  ... and %d more\n", len(items)-limit))
	}
}
