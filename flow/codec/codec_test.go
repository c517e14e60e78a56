package codec

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dshills/flowgraph-go/flow"
)

// fullGraph exercises every descriptor field a round trip must preserve.
func fullGraph() *flow.Graph {
	return &flow.Graph{
		ID: "order-pipeline",
		Vertices: []flow.VertexDescriptor{
			{
				ID:   "fetch",
				Name: "fetch-order",
				Kind: flow.KindTask,
				Config: map[string]any{
					"handler": "fetch",
				},
				Priority:      flow.PriorityHigh,
				MaxConcurrent: 3,
				Retry: &flow.RetryPolicy{
					Strategy:     flow.RetryExponential,
					MaxAttempts:  3,
					InitialDelay: 50 * time.Millisecond,
					Multiplier:   2,
					MaxDelay:     time.Second,
					RetryOn:      []string{flow.ErrKindTimeout},
					Budget:       10,
				},
				Breaker: &flow.BreakerPolicy{
					FailureThreshold:  0.5,
					MinimumThroughput: 5,
					OpenDuration:      30 * time.Second,
					HalfOpenSuccesses: 2,
				},
				FallbackID:     "cached",
				CompensationID: "undo-fetch",
				CompletionPort: "Done",
			},
			{ID: "check", Kind: flow.KindBranch, Config: map[string]any{"condition": "input.total > 100"}},
			{ID: "cached", Kind: flow.KindTask, Config: map[string]any{"output": map[string]any{"source": "cache"}}},
			{ID: "undo-fetch", Kind: flow.KindTask, Config: map[string]any{"output": map[string]any{"undone": true}}},
		},
		Edges: []flow.EdgeDescriptor{
			{
				Source:     "fetch",
				Target:     "check",
				Triggers:   []flow.MessageKind{flow.KindComplete, flow.KindNext},
				SourcePort: "Done",
				TargetPort: "in",
				Guard:      "output.ok == true",
				Priority:   2,
			},
			{Source: "fetch", Target: "undo-fetch", IsCompensation: true},
			{Source: "check", Target: "cached", Disabled: true},
		},
		EntryID:        "fetch",
		MaxConcurrency: 4,
		DefaultTimeout: 5 * time.Second,
		AllowPause:     true,
	}
}

func roundTrip(t *testing.T, c Codec, g *flow.Graph) *flow.Graph {
	t.Helper()
	var buf bytes.Buffer
	if err := c.Encode(&buf, g); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestJSONRoundTrip(t *testing.T) {
	want := fullGraph()
	got := roundTrip(t, JSON{Indent: "  "}, want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip changed the graph:\ngot  %#v\nwant %#v", got, want)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	want := fullGraph()
	got := roundTrip(t, YAML{}, want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip changed the graph:\ngot  %#v\nwant %#v", got, want)
	}
}

func TestYAMLDurationStrings(t *testing.T) {
	// yaml.v3 parses durations from strings like "50ms" and rejects bare
	// integers (go-yaml#200), so YAML definitions spell the units out. A
	// JSON definition, which encodes durations as integer nanoseconds,
	// therefore only loads through the JSON codec.
	in := `
id: timed
entry_id: a
default_timeout: 5s
vertices:
  - id: a
    kind: task
    retry:
      strategy: fixed
      max_attempts: 2
      delay: 50ms
    breaker:
      failure_threshold: 0.5
      minimum_throughput: 2
      open_duration: 30s
`
	g, err := YAML{}.Decode(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if g.DefaultTimeout != 5*time.Second {
		t.Errorf("default timeout = %v, want 5s", g.DefaultTimeout)
	}
	if g.Vertices[0].Retry.Delay != 50*time.Millisecond {
		t.Errorf("retry delay = %v, want 50ms", g.Vertices[0].Retry.Delay)
	}
	if g.Vertices[0].Breaker.OpenDuration != 30*time.Second {
		t.Errorf("open duration = %v, want 30s", g.Vertices[0].Breaker.OpenDuration)
	}

	bare := "id: timed\nentry_id: a\ndefault_timeout: 5000000000\nvertices:\n  - id: a\n    kind: task\n"
	if _, err := (YAML{}).Decode(strings.NewReader(bare)); err == nil {
		t.Error("bare integer duration should be rejected")
	}
}

func TestDecodeRejectsInvalidGraph(t *testing.T) {
	// Duplicate vertex id fails validation after a clean parse.
	in := `{"id":"g","vertices":[{"id":"a","kind":"task"},{"id":"a","kind":"task"}]}`
	_, err := JSON{}.Decode(strings.NewReader(in))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "duplicate vertex id") {
		t.Errorf("err = %v, want duplicate vertex id", err)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	if _, err := (JSON{}).Decode(strings.NewReader("{not json")); err == nil {
		t.Error("JSON decode should fail on malformed input")
	}
	if _, err := (YAML{}).Decode(strings.NewReader(":\n  - not yaml")); err == nil {
		t.Error("YAML decode should fail on malformed input")
	}
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "wf.yaml")
	var buf bytes.Buffer
	if err := (YAML{}).Encode(&buf, fullGraph()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	g, err := YAML{}.DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if g.ID != "order-pipeline" {
		t.Errorf("decoded graph id = %q", g.ID)
	}

	if _, err := (YAML{}).DecodeFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("DecodeFile should fail for a missing file")
	}
}

func TestForPath(t *testing.T) {
	tests := []struct {
		path string
		want Codec
	}{
		{"wf.yaml", YAML{}},
		{"wf.YML", YAML{}},
		{"wf.json", JSON{}},
		{"wf", JSON{}},
		{"dir.yaml/wf.txt", JSON{}},
	}
	for _, tt := range tests {
		if got := ForPath(tt.path); got != tt.want {
			t.Errorf("ForPath(%q) = %T, want %T", tt.path, got, tt.want)
		}
	}
}
