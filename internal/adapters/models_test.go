package adapters

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapModel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultModel},
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4-5-thinking"},
		{"claude-opus-4", "claude-opus-4-5-thinking"},
		{"claude-3-haiku-20240307", "claude-sonnet-4-5"},
		{"gpt-4o", "gemini-2.5-pro"},
		{"gpt-3.5-turbo", "gemini-2.5-flash"},
		{"gemini-3-pro-high", "gemini-3-pro-high"},
		{"gemini-9-experimental", "gemini-9-experimental"},
		{"my-thinking-model", "my-thinking-model"},
		{"llama-3", DefaultModel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MapModel(tt.in))
		})
	}
}

func TestKnownModels_SortedAndComplete(t *testing.T) {
	names := KnownModels()

	assert.Len(t, names, len(modelTable))
	assert.True(t, sort.StringsAreSorted(names))
	assert.Contains(t, names, "claude-sonnet-4-5")
}

// =============================================================================
// ARGUMENT REMAPPING
// =============================================================================

func TestRemapFunctionCallArgs(t *testing.T) {
	tests := []struct {
		name string
		tool string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "grep query becomes pattern",
			tool: "Grep",
			in:   map[string]any{"query": "foo"},
			want: map[string]any{"pattern": "foo", "path": "."},
		},
		{
			name: "grep keeps explicit pattern",
			tool: "grep",
			in:   map[string]any{"query": "foo", "pattern": "bar", "path": "src"},
			want: map[string]any{"query": "foo", "pattern": "bar", "path": "src"},
		},
		{
			name: "glob paths list takes first entry",
			tool: "Glob",
			in:   map[string]any{"pattern": "*.go", "paths": []any{"cmd", "internal"}},
			want: map[string]any{"pattern": "*.go", "path": "cmd"},
		},
		{
			name: "glob empty paths list defaults",
			tool: "glob",
			in:   map[string]any{"paths": []any{}},
			want: map[string]any{"path": "."},
		},
		{
			name: "glob scalar paths",
			tool: "glob",
			in:   map[string]any{"paths": "lib"},
			want: map[string]any{"path": "lib"},
		},
		{
			name: "read path becomes file_path",
			tool: "Read",
			in:   map[string]any{"path": "/a"},
			want: map[string]any{"file_path": "/a"},
		},
		{
			name: "read keeps file_path",
			tool: "read",
			in:   map[string]any{"path": "/a", "file_path": "/b"},
			want: map[string]any{"path": "/a", "file_path": "/b"},
		},
		{
			name: "ls defaults path",
			tool: "LS",
			in:   map[string]any{},
			want: map[string]any{"path": "."},
		},
		{
			name: "other tools untouched",
			tool: "bash",
			in:   map[string]any{"query": "x"},
			want: map[string]any{"query": "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshot := make(map[string]any, len(tt.in))
			for k, v := range tt.in {
				snapshot[k] = v
			}

			assert.Equal(t, tt.want, remapFunctionCallArgs(tt.tool, tt.in))
			assert.Equal(t, snapshot, tt.in, "input must not be modified")
		})
	}
}
