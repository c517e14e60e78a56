package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be:
//   - Non-blocking: never slow down or stall a worker
//   - Thread-safe: called concurrently from multiple workers
//   - Resilient: failures are swallowed, never propagated to the engine
type Emitter interface {
	// Emit delivers one event. Emit must not panic and must not block.
	Emit(event Event)
}

// Null is an Emitter that discards every event.
type Null struct{}

// Emit implements Emitter.
func (Null) Emit(Event) {}

// multi fans events out to several emitters in order.
type multi []Emitter

func (m multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

// Multi combines several emitters into one. Nil entries are skipped.
func Multi(emitters ...Emitter) Emitter {
	out := make(multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
