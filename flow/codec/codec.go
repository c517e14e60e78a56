// Package codec serializes workflow definitions to and from JSON and YAML.
//
// Both codecs validate the decoded graph before returning it, so a graph
// obtained from a codec is always runnable. Encode-then-decode is lossless
// for every descriptor field.
package codec

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/flowgraph-go/flow"
)

// Codec encodes and decodes workflow graphs. It satisfies flow.GraphDecoder.
type Codec interface {
	flow.GraphDecoder
	Encode(w io.Writer, g *flow.Graph) error
}

// ForPath picks a codec from a file extension: .yaml/.yml get YAML,
// everything else JSON.
func ForPath(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML{}
	default:
		return JSON{}
	}
}

// decodeFile is shared by both codecs.
func decodeFile(c Codec, path string) (*flow.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow definition: %w", err)
	}
	defer func() { _ = f.Close() }()
	return c.Decode(f)
}

func validated(g *flow.Graph, err error) (*flow.Graph, error) {
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("decoded graph failed validation: %w", err)
	}
	return g, nil
}
