package codec

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/dshills/flowgraph-go/flow"
)

// YAML reads and writes workflow definitions as YAML.
type YAML struct{}

// Decode implements flow.GraphDecoder.
func (y YAML) Decode(r io.Reader) (*flow.Graph, error) {
	var g flow.Graph
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("failed to decode YAML workflow: %w", err)
	}
	return validated(&g, nil)
}

// DecodeFile implements flow.GraphDecoder.
func (y YAML) DecodeFile(path string) (*flow.Graph, error) {
	return decodeFile(y, path)
}

// Encode writes the graph as YAML.
func (y YAML) Encode(w io.Writer, g *flow.Graph) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()
	if err := enc.Encode(g); err != nil {
		return fmt.Errorf("failed to encode YAML workflow: %w", err)
	}
	return nil
}
