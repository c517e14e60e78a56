package flow

import "sync"

// Vars is the shared mutable global variable bag of a workflow run.
//
// Semantics are last-writer-wins per key. Readers see some previously
// committed value; there is no transaction API and no read-your-writes
// guarantee across workers except via router-mediated ordering.
type Vars struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewVars creates a variable bag seeded with the given values.
func NewVars(seed map[string]any) *Vars {
	v := &Vars{vals: make(map[string]any, len(seed))}
	for k, val := range seed {
		v.vals[k] = val
	}
	return v
}

// Get returns the value for key and whether it exists.
func (v *Vars) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vals[key]
	return val, ok
}

// Set commits a value for key.
func (v *Vars) Set(key string, val any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vals[key] = val
}

// Delete removes key from the bag.
func (v *Vars) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vals, key)
}

// Snapshot returns a shallow copy of the bag at some committed point.
func (v *Vars) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.vals))
	for k, val := range v.vals {
		out[k] = val
	}
	return out
}

// Len returns the number of keys in the bag.
func (v *Vars) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vals)
}
