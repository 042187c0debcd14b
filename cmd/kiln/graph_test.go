package main

import (
	"testing"

	"kiln/internal/analysis"
)

func TestParseGraphContext(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"memberRef", 1, false},
		{"inheritance", 1, false},
		{"localInheritance", 1, false},
		{"imports", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ctxs, err := parseGraphContext(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(ctxs) != tt.want {
				t.Fatalf("got %d contexts, want %d", len(ctxs), tt.want)
			}
			if tt.want == 1 && string(ctxs[0]) != tt.input {
				t.Errorf("got context %s, want %s", ctxs[0], tt.input)
			}
		})
	}
}

func TestParseGraphContext_CoversAllContexts(t *testing.T) {
	for _, ctx := range analysis.Contexts {
		if _, err := parseGraphContext(string(ctx)); err != nil {
			t.Errorf("context %s should parse: %v", ctx, err)
		}
	}
}
