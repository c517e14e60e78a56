package flow

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Default breaker policy fields applied when a BreakerPolicy leaves them
// zero.
const (
	defaultFailureThreshold  = 0.5
	defaultMinimumThroughput = 10
	defaultOpenDuration      = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

// breakerSet holds one circuit breaker per vertex kind, shared across all
// vertex instances of that kind within the run. Breakers are created
// lazily from the first descriptor of a kind that carries a policy; kinds
// without a policy are never broken.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[VertexKind]*gobreaker.TwoStepCircuitBreaker
	policies map[VertexKind]BreakerPolicy

	// onTransition observes state changes for the event stream and
	// metrics; set once before workers start.
	onTransition func(kind string, from, to gobreaker.State)
}

func newBreakerSet(g *Graph, onTransition func(kind string, from, to gobreaker.State)) *breakerSet {
	bs := &breakerSet{
		breakers:     make(map[VertexKind]*gobreaker.TwoStepCircuitBreaker),
		policies:     make(map[VertexKind]BreakerPolicy),
		onTransition: onTransition,
	}
	for i := range g.Vertices {
		v := &g.Vertices[i]
		if v.Breaker == nil {
			continue
		}
		if _, exists := bs.policies[v.Kind]; exists {
			continue
		}
		bs.policies[v.Kind] = *v.Breaker
	}
	return bs
}

// allow checks the breaker for the vertex kind. When admission succeeds it
// returns a done callback the worker must invoke with the call outcome;
// when the breaker is open (or half-open and saturated) it returns ok=false
// and the caller must take the fallback or circuit-open path. Kinds with no
// configured policy always admit with a nil done.
func (bs *breakerSet) allow(kind VertexKind) (done func(success bool), ok bool) {
	bs.mu.Lock()
	policy, configured := bs.policies[kind]
	if !configured {
		bs.mu.Unlock()
		return nil, true
	}
	cb := bs.breakers[kind]
	if cb == nil {
		cb = bs.build(kind, policy)
		bs.breakers[kind] = cb
	}
	bs.mu.Unlock()

	d, err := cb.Allow()
	if err != nil {
		return nil, false
	}
	return d, true
}

// state returns the current breaker state for a kind, defaulting to Closed
// for unbroken kinds.
func (bs *breakerSet) state(kind VertexKind) gobreaker.State {
	bs.mu.Lock()
	cb := bs.breakers[kind]
	bs.mu.Unlock()
	if cb == nil {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (bs *breakerSet) build(kind VertexKind, policy BreakerPolicy) *gobreaker.TwoStepCircuitBreaker {
	threshold := policy.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	minThroughput := policy.MinimumThroughput
	if minThroughput == 0 {
		minThroughput = defaultMinimumThroughput
	}
	openFor := policy.OpenDuration
	if openFor <= 0 {
		openFor = defaultOpenDuration
	}
	halfOpen := policy.HalfOpenSuccesses
	if halfOpen == 0 {
		halfOpen = defaultHalfOpenSuccesses
	}

	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name: string(kind),
		// MaxRequests consecutive half-open successes close the breaker;
		// half-open admits that many probes at a time at most.
		MaxRequests: halfOpen,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minThroughput {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if bs.onTransition != nil {
				bs.onTransition(name, from, to)
			}
		},
	})
}
