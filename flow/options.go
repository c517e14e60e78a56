package flow

import (
	"time"

	"github.com/dshills/flowgraph-go/flow/emit"
	"github.com/dshills/flowgraph-go/flow/eval"
	"github.com/dshills/flowgraph-go/flow/store"
)

// DefaultExecutionTimeout is the per-call vertex timeout applied when
// neither the graph nor an option provides one.
const DefaultExecutionTimeout = 10 * time.Second

// Option configures an Engine at construction.
type Option func(*config)

type config struct {
	clock           Clock
	emitter         emit.Emitter
	metrics         *Metrics
	evaluator       eval.Evaluator
	factory         Factory
	store           store.Store[Snapshot]
	decoder         GraphDecoder
	runID           string
	globals         *Vars
	mailboxCapacity int
	visibility      time.Duration
	defaultTimeout  time.Duration
	defaultRetry    *RetryPolicy
}

func defaultConfig() config {
	return config{
		clock:          SystemClock(),
		emitter:        emit.Null{},
		defaultTimeout: DefaultExecutionTimeout,
	}
}

// WithClock substitutes the time source. Tests inject a fake clock here.
func WithClock(c Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithEmitter sets the observability event sink. Defaults to emit.Null.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *config) {
		if e != nil {
			cfg.emitter = e
		}
	}
}

// WithMetrics attaches a Prometheus metric set.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) { cfg.metrics = m }
}

// WithEvaluator sets the expression evaluator used by guards and
// control-flow vertices. Defaults to the expr-lang implementation.
func WithEvaluator(ev eval.Evaluator) Option {
	return func(cfg *config) {
		if ev != nil {
			cfg.evaluator = ev
		}
	}
}

// WithFactory sets the vertex factory. Defaults to a fresh Registry; pass
// your own Registry here after registering task handlers.
func WithFactory(f Factory) Option {
	return func(cfg *config) {
		if f != nil {
			cfg.factory = f
		}
	}
}

// WithStore enables snapshot persistence for checkpoints and terminal
// state.
func WithStore(s store.Store[Snapshot]) Option {
	return func(cfg *config) { cfg.store = s }
}

// WithGraphDecoder enables subflow vertices configured with an external
// definition path.
func WithGraphDecoder(d GraphDecoder) Option {
	return func(cfg *config) { cfg.decoder = d }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(cfg *config) { cfg.runID = id }
}

// WithMailboxCapacity overrides the per-vertex ring size.
func WithMailboxCapacity(n int) Option {
	return func(cfg *config) { cfg.mailboxCapacity = n }
}

// WithVisibilityTimeout overrides the lease visibility window.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.visibility = d }
}

// WithDefaultTimeout overrides the per-call execution timeout for vertices
// whose graph does not set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.defaultTimeout = d
		}
	}
}

// WithDefaultRetry applies a retry policy to vertices that do not declare
// their own.
func WithDefaultRetry(p *RetryPolicy) Option {
	return func(cfg *config) { cfg.defaultRetry = p }
}
