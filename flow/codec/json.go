package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dshills/flowgraph-go/flow"
)

// JSON reads and writes workflow definitions as JSON.
type JSON struct {
	// Indent pretty-prints output with the given prefix string when
	// non-empty.
	Indent string
}

// Decode implements flow.GraphDecoder.
func (j JSON) Decode(r io.Reader) (*flow.Graph, error) {
	var g flow.Graph
	dec := json.NewDecoder(r)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("failed to decode JSON workflow: %w", err)
	}
	return validated(&g, nil)
}

// DecodeFile implements flow.GraphDecoder.
func (j JSON) DecodeFile(path string) (*flow.Graph, error) {
	return decodeFile(j, path)
}

// Encode writes the graph as JSON.
func (j JSON) Encode(w io.Writer, g *flow.Graph) error {
	enc := json.NewEncoder(w)
	if j.Indent != "" {
		enc.SetIndent("", j.Indent)
	}
	if err := enc.Encode(g); err != nil {
		return fmt.Errorf("failed to encode JSON workflow: %w", err)
	}
	return nil
}
