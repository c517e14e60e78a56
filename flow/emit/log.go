package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Log is an Emitter that writes structured output to a writer.
//
// Two output modes:
//   - Text (default): one human-readable line per event
//   - JSON: one JSON object per line (JSONL)
//
// Example text output:
//
//	[node_completed] run=run-001 vertex=fetch port=TrueBranch dur=12ms
type Log struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLog creates a Log emitter. A nil writer defaults to os.Stdout.
func NewLog(writer io.Writer, jsonMode bool) *Log {
	if writer == nil {
		writer = os.Stdout
	}
	return &Log{writer: writer, jsonMode: jsonMode}
}

// Emit writes the event in the configured format.
func (l *Log) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			fmt.Fprintf(l.writer, "{\"err\":\"marshal event: %v\"}\n", err)
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}

	fmt.Fprintf(l.writer, "[%s] run=%s", event.Type, event.RunID)
	if event.VertexID != "" {
		fmt.Fprintf(l.writer, " vertex=%s", event.VertexID)
	}
	if event.Port != "" {
		fmt.Fprintf(l.writer, " port=%s", event.Port)
	}
	if event.Duration > 0 {
		fmt.Fprintf(l.writer, " dur=%s", event.Duration)
	}
	if event.Err != "" {
		fmt.Fprintf(l.writer, " err=%q", event.Err)
	}
	if event.Msg != "" {
		fmt.Fprintf(l.writer, " msg=%q", event.Msg)
	}
	if event.Progress != nil {
		fmt.Fprintf(l.writer, " pct=%.0f%%", event.Progress.Percent)
	}
	fmt.Fprint(l.writer, "\n")
}
