package flow

import "io"

// GraphDecoder resolves external workflow definitions, used by subflow
// vertices configured with a path. Implementations live in the codec
// package (JSON and YAML); the engine takes the interface so custom
// formats can plug in.
type GraphDecoder interface {
	DecodeFile(path string) (*Graph, error)
	Decode(r io.Reader) (*Graph, error)
}
