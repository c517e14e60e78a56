package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/dshills/flowgraph-go/flow/emit"
	"github.com/dshills/flowgraph-go/flow/eval"
)

// Engine executes one run of one workflow graph. Engines are single-shot:
// construct with New, drive with Run (or Start/Wait), then discard. Resume
// a persisted run with Restore.
type Engine struct {
	graph *Graph
	cfg   config
	depth int

	runID     string
	globals   *Vars
	dlq       *DeadLetters
	mailboxes map[string]*Mailbox
	router    *Router
	vertices  map[string]Vertex
	descs     map[string]*VertexDescriptor

	workflowGate *Gate
	kindGates    map[string]*Gate
	breakers     *breakerSet

	ctx    context.Context
	cancel context.CancelFunc

	eventSeq  atomic.Int64
	cancelled atomic.Bool
	started   atomic.Bool
	restored  bool

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	mu             sync.Mutex
	status         Status
	instances      []*VertexInstance
	latest         map[string]*VertexInstance
	completedOrder []*VertexInstance
	firstFailure   *ErrorInfo
	budgetUsed     int
	compWalked     bool
	compensating   bool
	active         int
	leaseCtx       context.Context
	leaseCancel    context.CancelFunc
	startedAt      time.Time
	result         *RunResult

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New validates the graph, builds every vertex implementation, and wires
// mailboxes, router, gates, and breakers. Construction errors are fatal;
// nothing executes until Start.
func New(g *Graph, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newEngine(g, cfg, 0)
}

func newEngine(g *Graph, cfg config, depth int) (*Engine, error) {
	if g == nil {
		return nil, &Error{Kind: ErrKindValidation, Message: "nil graph"}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if cfg.evaluator == nil {
		cfg.evaluator = eval.NewExpr()
	}
	if cfg.factory == nil {
		cfg.factory = NewRegistry(cfg.evaluator)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	if cfg.globals == nil {
		cfg.globals = NewVars(nil)
	}

	e := &Engine{
		graph:     g,
		cfg:       cfg,
		depth:     depth,
		runID:     cfg.runID,
		globals:   cfg.globals,
		dlq:       NewDeadLetters(),
		mailboxes: make(map[string]*Mailbox, len(g.Vertices)),
		vertices:  make(map[string]Vertex, len(g.Vertices)),
		descs:     make(map[string]*VertexDescriptor, len(g.Vertices)),
		kindGates: make(map[string]*Gate),
		status:    StatusPending,
		latest:    make(map[string]*VertexInstance),
		done:      make(chan struct{}),
	}
	e.pauseCond = sync.NewCond(&e.pauseMu)
	e.workflowGate = NewGate(g.MaxConcurrency)

	e.dlq.observe(func(entry DeadLetter) {
		e.cfg.metrics.IncDeadLetter(entry.VertexID, entry.Reason)
		e.emit(emit.Event{
			Type:     emit.DeadLettered,
			VertexID: entry.VertexID,
			Msg:      entry.Reason,
			Meta:     map[string]any{"detail": entry.Detail, "retries": entry.Retries, "seq": entry.Seq},
		})
		// Lease reclaim can dead-letter the last outstanding envelope from
		// inside a Lease wait, where no endWork follows. The callback may
		// hold the mailbox lock, so re-check quiescence off-goroutine.
		go e.idleCheck()
	})

	for i := range g.Vertices {
		desc := &g.Vertices[i]
		e.descs[desc.ID] = desc

		policy := desc.Retry
		if policy == nil {
			policy = cfg.defaultRetry
		}
		e.mailboxes[desc.ID] = NewMailbox(desc.ID, cfg.mailboxCapacity, cfg.visibility, policy, cfg.clock, e.dlq)

		impl, err := cfg.factory.Build(*desc)
		if err != nil {
			return nil, err
		}
		if err := impl.Initialize(*desc); err != nil {
			return nil, err
		}
		e.vertices[desc.ID] = impl

		if desc.MaxConcurrent > 0 {
			key := desc.typeKey()
			if _, exists := e.kindGates[key]; !exists {
				e.kindGates[key] = NewGate(desc.MaxConcurrent)
			}
		}
	}

	e.router = NewRouter(g, cfg.evaluator, e.globals, e.mailboxes, e.dlq)
	e.router.onDeliver = func(target string, res EnqueueResult) {
		e.cfg.metrics.IncEnqueue(target)
		if res.Evicted {
			e.cfg.metrics.IncEviction(target)
		}
		if mb := e.mailboxes[target]; mb != nil {
			ready, _ := mb.Counts()
			e.cfg.metrics.SetMailboxDepth(target, ready)
		}
	}

	e.breakers = newBreakerSet(g, func(kind string, _, to gobreaker.State) {
		e.cfg.metrics.IncBreakerTransition(kind, to.String())
		e.emit(emit.Event{
			Type: emit.BreakerTransition,
			Msg:  fmt.Sprintf("breaker %s -> %s", kind, to.String()),
			Meta: map[string]any{"kind": kind, "state": to.String()},
		})
	})

	return e, nil
}

// Restore rebuilds an engine from a persisted snapshot of a paused or
// crashed run. Envelopes that were leased at snapshot time become ready
// again with their retry count incremented. Call Start (with a nil seed)
// to continue execution.
func Restore(g *Graph, snap *Snapshot, opts ...Option) (*Engine, error) {
	if snap == nil {
		return nil, &Error{Kind: ErrKindValidation, Message: "nil snapshot"}
	}
	opts = append(opts, WithRunID(snap.RunID))
	e, err := New(g, opts...)
	if err != nil {
		return nil, err
	}
	for k, v := range snap.Globals {
		e.globals.Set(k, v)
	}
	for _, ms := range snap.Mailboxes {
		if mb := e.mailboxes[ms.VertexID]; mb != nil {
			mb.Restore(ms.Envelopes)
		}
	}
	for i := range snap.Instances {
		inst := snap.Instances[i]
		e.instances = append(e.instances, &inst)
		e.latest[inst.VertexID] = &inst
		if inst.Status == StatusCompleted {
			e.completedOrder = append(e.completedOrder, &inst)
		}
	}
	e.budgetUsed = snap.RetryBudgetUsed
	e.compensating = snap.Compensating
	e.compWalked = snap.Compensating
	e.firstFailure = snap.FirstError
	e.eventSeq.Store(int64(snap.EventSeq))
	e.startedAt = snap.Started
	e.restored = true
	return e, nil
}

// Run starts the workflow and blocks until it reaches a terminal state.
// Cancelling ctx cancels the run; the returned result then carries the
// Cancelled status rather than an error.
func (e *Engine) Run(ctx context.Context, seed map[string]any) (*RunResult, error) {
	if err := e.Start(ctx, seed); err != nil {
		return nil, err
	}
	return e.Wait(context.Background())
}

// Start seeds the globals, enqueues a start message into every entry
// vertex, and launches one worker per vertex. It returns immediately; use
// Wait for the result. Start on an already started engine is an error.
func (e *Engine) Start(ctx context.Context, seed map[string]any) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.mu.Lock()
	e.status = StatusRunning
	if e.startedAt.IsZero() {
		e.startedAt = e.cfg.clock.Now()
	}
	e.leaseCtx, e.leaseCancel = context.WithCancel(e.ctx)
	e.mu.Unlock()

	for k, v := range seed {
		e.globals.Set(k, v)
	}

	if !e.restored {
		for _, id := range e.graph.Entries() {
			e.mailboxes[id].Enqueue(StartMessage(e.runID))
		}
	}

	e.emit(emit.Event{Type: emit.WorkflowStarted, Msg: e.graph.ID})

	for id, desc := range e.descs {
		e.wg.Add(1)
		go e.worker(desc, e.mailboxes[id], e.vertices[id])
	}
	go func() {
		e.wg.Wait()
		// Workers only exit when the run context is cancelled: either
		// finish already ran, or the caller cancelled mid-flight.
		e.finish(StatusCancelled)
	}()
	go e.idleCheck()
	return nil
}

// Wait blocks until the run reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the run: in-flight vertices get their context cancelled,
// pending envelopes are drained, and the verdict is Cancelled.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
	e.unpark()
	if e.cancel != nil {
		e.cancel()
	}
}

// RunID returns the run identifier.
func (e *Engine) RunID() string { return e.runID }

// Status returns the current run status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Globals returns the shared variable bag.
func (e *Engine) Globals() *Vars { return e.globals }

// DeadLetters returns the run-wide dead-letter queue.
func (e *Engine) DeadLetters() *DeadLetters { return e.dlq }

// BreakerState reports the circuit state for a vertex kind.
func (e *Engine) BreakerState(kind VertexKind) gobreaker.State {
	return e.breakers.state(kind)
}

// Instances returns a copy of every vertex activation so far.
func (e *Engine) Instances() []VertexInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]VertexInstance, len(e.instances))
	for i, inst := range e.instances {
		out[i] = *inst
	}
	return out
}

// worker is the per-vertex consume loop: park on pause, lease, process.
func (e *Engine) worker(desc *VertexDescriptor, mb *Mailbox, impl Vertex) {
	defer e.wg.Done()
	for {
		if !e.parkWhilePaused() {
			return
		}
		lease, err := mb.Lease(e.currentLeaseCtx(), 0)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			// Pause interrupted the lease; park and retry.
			continue
		}
		if lease == nil {
			continue
		}
		e.beginWork()
		e.process(desc, mb, impl, lease)
		e.endWork()
	}
}

func (e *Engine) currentLeaseCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaseCtx
}

func (e *Engine) beginWork() {
	e.mu.Lock()
	e.active++
	n := e.active
	e.mu.Unlock()
	e.cfg.metrics.SetInflight(n)
}

func (e *Engine) endWork() {
	e.mu.Lock()
	e.active--
	n := e.active
	finishNow, verdict, comp := e.quiescentLocked()
	e.mu.Unlock()
	e.cfg.metrics.SetInflight(n)

	for _, c := range comp {
		e.mailboxes[c.target].Enqueue(c.msg)
	}
	if finishNow {
		e.finish(verdict)
	}
}

// idleCheck closes out runs that start with no work, such as a restored
// snapshot whose mailboxes were already empty.
func (e *Engine) idleCheck() {
	e.mu.Lock()
	finishNow, verdict, comp := e.quiescentLocked()
	e.mu.Unlock()
	for _, c := range comp {
		e.mailboxes[c.target].Enqueue(c.msg)
	}
	if finishNow {
		e.finish(verdict)
	}
}

type compensationEnqueue struct {
	target string
	msg    Message
}

// quiescentLocked decides whether the run is over: no vertex executing and
// no envelope ready or leased anywhere. On a failed run with completed
// vertices that declare compensation targets, it first schedules the
// compensation walk (in reverse completion order) and defers the verdict
// until the walk itself drains.
func (e *Engine) quiescentLocked() (bool, Status, []compensationEnqueue) {
	if e.status != StatusRunning || e.active > 0 {
		return false, "", nil
	}
	for _, mb := range e.mailboxes {
		ready, leased := mb.Counts()
		if ready+leased > 0 {
			return false, "", nil
		}
	}
	if e.cancelled.Load() || e.ctx.Err() != nil {
		return true, StatusCancelled, nil
	}
	if e.firstFailure != nil {
		if !e.compWalked {
			e.compWalked = true
			var walk []compensationEnqueue
			for i := len(e.completedOrder) - 1; i >= 0; i-- {
				inst := e.completedOrder[i]
				desc := e.descs[inst.VertexID]
				if desc == nil || desc.CompensationID == "" {
					continue
				}
				walk = append(walk, compensationEnqueue{
					target: desc.CompensationID,
					msg: Message{
						Kind:     KindComplete,
						SourceID: inst.VertexID,
						Output:   cloneBag(inst.Output),
						Compensation: &CompensationContext{
							FailedVertexID: e.firstFailure.VertexID,
							Reason:         e.firstFailure.Message,
						},
						CorrelationID: e.runID,
					},
				})
			}
			if len(walk) > 0 {
				e.compensating = true
				return false, "", walk
			}
		}
		return true, StatusFailed, nil
	}
	return true, StatusCompleted, nil
}

// process drives one leased envelope through gates, breaker, execution,
// and outcome routing.
func (e *Engine) process(desc *VertexDescriptor, mb *Mailbox, impl Vertex, lease *Lease) {
	pr := desc.Priority

	if err := e.workflowGate.Acquire(e.ctx, pr); err != nil {
		mb.Requeue(lease.ID, ReasonAdmissionCancelled)
		return
	}
	defer e.workflowGate.Release()
	if kg := e.kindGates[desc.typeKey()]; kg != nil {
		if err := kg.Acquire(e.ctx, pr); err != nil {
			mb.Requeue(lease.ID, ReasonAdmissionCancelled)
			return
		}
		defer kg.Release()
	}

	breakerDone, admitted := e.breakers.allow(desc.Kind)
	if !admitted {
		e.circuitOpen(desc, mb, lease)
		return
	}

	inst := e.newInstance(desc.ID, lease.Attempt)
	e.emit(emit.Event{
		Type:     emit.NodeStarted,
		VertexID: desc.ID,
		Meta:     map[string]any{"attempt": lease.Attempt, "seq": lease.Seq},
	})

	ec := &ExecContext{
		RunID:    e.runID,
		VertexID: desc.ID,
		Globals:  e.globals,
		Input:    cloneBag(lease.Msg.Output),
		Port:     lease.Msg.TargetPort,
		Msg:      lease.Msg,
		engine:   e,
		depth:    e.depth,
		emitNext: func(bag map[string]any, iteration int) {
			e.router.Route(SourceEvent{
				SourceID:      desc.ID,
				Kind:          KindNext,
				Output:        bag,
				Iteration:     iteration,
				CorrelationID: lease.Msg.CorrelationID,
				Compensating:  e.isCompensating(),
			})
		},
		progress: func(percent float64, msg string) {
			e.emit(emit.Event{
				Type:     emit.NodeProgress,
				VertexID: desc.ID,
				Msg:      msg,
				Meta:     map[string]any{"percent": percent},
			})
		},
	}

	out := e.execute(desc, impl, ec)
	out.err = e.normalizeTimeout(desc.ID, out.err)
	elapsed := e.cfg.clock.Now().Sub(inst.Started)

	switch {
	case out.err == nil:
		if breakerDone != nil {
			breakerDone(true)
		}
		e.succeed(desc, mb, lease, inst, out.res, elapsed)
	case e.wasCancelled(out.err):
		// Cancellation is not a service failure; do not poison the breaker.
		if breakerDone != nil {
			breakerDone(true)
		}
		e.cancelInstance(desc, inst, out.err, elapsed)
	default:
		if breakerDone != nil {
			breakerDone(false)
		}
		e.fail(desc, mb, lease, inst, out.err, elapsed)
	}
}

type execOutcome struct {
	res Result
	err error
}

// execute runs the vertex under the per-call timeout, converting panics
// and deadline expiry into structured errors. A handler that ignores its
// context leaks a goroutine until it returns; the engine does not wait for
// it beyond a short grace window.
func (e *Engine) execute(desc *VertexDescriptor, impl Vertex, ec *ExecContext) execOutcome {
	timeout := e.graph.DefaultTimeout
	if timeout <= 0 {
		timeout = e.cfg.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	ch := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- execOutcome{err: &Error{
					Kind:     ErrKindExecution,
					VertexID: desc.ID,
					Message:  fmt.Sprintf("panic: %v", r),
				}}
			}
		}()
		res, err := impl.Execute(execCtx, ec)
		ch <- execOutcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		return out
	case <-execCtx.Done():
	}
	select {
	case out := <-ch:
		return out
	case <-time.After(100 * time.Millisecond):
	}
	if e.ctx.Err() != nil {
		return execOutcome{err: &Error{Kind: ErrKindCancelled, VertexID: desc.ID, Message: "run cancelled", Cause: e.ctx.Err()}}
	}
	return execOutcome{err: &Error{
		Kind:     ErrKindTimeout,
		VertexID: desc.ID,
		Message:  fmt.Sprintf("execution exceeded %s", timeout),
	}}
}

func (e *Engine) wasCancelled(err error) bool {
	// A per-call deadline is a timeout failure, not a cancellation, even
	// when a handler wrapped it as one on the way out.
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errorKind(err) == ErrKindCancelled || errors.Is(err, context.Canceled) {
		return true
	}
	return e.ctx.Err() != nil
}

// normalizeTimeout reclassifies a cooperative deadline error as a timeout
// so retry filters see the timeout kind whether or not the handler wrapped
// its context error. Run-level cancellation is left alone.
func (e *Engine) normalizeTimeout(vertexID string, err error) error {
	if err == nil || errorKind(err) == ErrKindTimeout {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && e.ctx.Err() == nil {
		return &Error{Kind: ErrKindTimeout, VertexID: vertexID, Message: "execution deadline exceeded", Cause: err}
	}
	return err
}

func (e *Engine) succeed(desc *VertexDescriptor, mb *Mailbox, lease *Lease, inst *VertexInstance, res Result, elapsed time.Duration) {
	port := res.Port
	if port == "" {
		port = desc.CompletionPort
	}

	e.mu.Lock()
	inst.Status = StatusCompleted
	inst.Finished = e.cfg.clock.Now()
	inst.Output = res.Output
	inst.Port = port
	e.completedOrder = append(e.completedOrder, inst)
	e.mu.Unlock()

	mb.Acknowledge(lease.ID)
	e.cfg.metrics.ObserveLatency(desc.ID, elapsed, "success")
	e.emit(emit.Event{
		Type:     emit.NodeCompleted,
		VertexID: desc.ID,
		Port:     port,
		Duration: elapsed,
	})
	e.router.Route(SourceEvent{
		SourceID:      desc.ID,
		Kind:          KindComplete,
		Port:          port,
		Output:        res.Output,
		CorrelationID: lease.Msg.CorrelationID,
		Compensating:  e.isCompensating(),
	})
	e.emitProgress()
}

func (e *Engine) cancelInstance(desc *VertexDescriptor, inst *VertexInstance, err error, elapsed time.Duration) {
	e.mu.Lock()
	inst.Status = StatusCancelled
	inst.Finished = e.cfg.clock.Now()
	inst.Err = errorInfo(desc.ID, err)
	e.mu.Unlock()

	e.cfg.metrics.ObserveLatency(desc.ID, elapsed, "cancelled")
	e.emit(emit.Event{
		Type:     emit.NodeCancelled,
		VertexID: desc.ID,
		Err:      err.Error(),
		Duration: elapsed,
	})
	// The envelope stays leased; teardown drains it.
}

func (e *Engine) fail(desc *VertexDescriptor, mb *Mailbox, lease *Lease, inst *VertexInstance, err error, elapsed time.Duration) {
	kind := errorKind(err)
	info := errorInfo(desc.ID, err)

	e.mu.Lock()
	inst.Status = StatusFailed
	inst.Finished = e.cfg.clock.Now()
	inst.Err = info
	e.mu.Unlock()

	e.cfg.metrics.ObserveLatency(desc.ID, elapsed, kind)

	policy := desc.Retry
	if policy == nil {
		policy = e.cfg.defaultRetry
	}

	if policy.retryableKind(kind) {
		if policy.Budget > 0 {
			e.mu.Lock()
			overBudget := e.budgetUsed >= policy.Budget
			if !overBudget {
				e.budgetUsed++
			}
			e.mu.Unlock()
			if overBudget {
				mb.Discard(lease.ID, ReasonBudgetExhausted)
				e.terminalFailure(desc, lease, info, err, elapsed)
				return
			}
		}
		// The mailbox enforces the attempt cap: past it the envelope is
		// superseded and dead-lettered in the same step.
		switch mb.Requeue(lease.ID, kind) {
		case Requeued:
			e.cfg.metrics.IncRetry(desc.ID, kind)
			e.emit(emit.Event{
				Type:     emit.NodeFailed,
				VertexID: desc.ID,
				Err:      err.Error(),
				Duration: elapsed,
				Meta:     map[string]any{"retrying": true, "attempt": lease.Attempt + 1},
			})
			return
		case DeadLettered:
			e.terminalFailure(desc, lease, info, err, elapsed)
			return
		case RequeueStale:
			// Lease was reclaimed while executing; the envelope is already
			// back in play or dead-lettered. Nothing further to do.
			return
		}
	}

	mb.Acknowledge(lease.ID)
	e.terminalFailure(desc, lease, info, err, elapsed)
}

func (e *Engine) terminalFailure(desc *VertexDescriptor, lease *Lease, info *ErrorInfo, err error, elapsed time.Duration) {
	e.mu.Lock()
	if e.firstFailure == nil {
		e.firstFailure = info
	}
	e.mu.Unlock()

	e.emit(emit.Event{
		Type:     emit.NodeFailed,
		VertexID: desc.ID,
		Err:      err.Error(),
		Duration: elapsed,
	})
	e.router.Route(SourceEvent{
		SourceID:      desc.ID,
		Kind:          KindFail,
		Output:        cloneBag(lease.Msg.Output),
		Error:         info,
		CorrelationID: lease.Msg.CorrelationID,
		Compensating:  e.isCompensating(),
	})
	e.emitProgress()
}

// circuitOpen handles a breaker rejection: reroute to the fallback vertex
// when one is declared, otherwise fail the vertex with a circuit-open
// error.
func (e *Engine) circuitOpen(desc *VertexDescriptor, mb *Mailbox, lease *Lease) {
	if desc.FallbackID != "" {
		mb.Acknowledge(lease.ID)
		e.mailboxes[desc.FallbackID].Enqueue(Message{
			Kind:          KindComplete,
			SourceID:      desc.ID,
			Output:        cloneBag(lease.Msg.Output),
			CorrelationID: lease.Msg.CorrelationID,
		})
		e.emit(emit.Event{
			Type:     emit.NodeProgress,
			VertexID: desc.ID,
			Msg:      "circuit open; rerouted to fallback",
			Meta:     map[string]any{"fallback": desc.FallbackID},
		})
		return
	}

	inst := e.newInstance(desc.ID, lease.Attempt)
	err := &Error{Kind: ErrKindCircuitOpen, VertexID: desc.ID, Message: "circuit breaker open"}
	info := err.Info()

	e.mu.Lock()
	inst.Status = StatusFailed
	inst.Finished = e.cfg.clock.Now()
	inst.Err = info
	e.mu.Unlock()

	mb.Acknowledge(lease.ID)
	e.terminalFailure(desc, lease, info, err, 0)
}

func (e *Engine) newInstance(vertexID string, attempt int) *VertexInstance {
	inst := &VertexInstance{
		ID:       uuid.NewString(),
		VertexID: vertexID,
		RunID:    e.runID,
		Attempt:  uint(attempt),
		Status:   StatusRunning,
		Started:  e.cfg.clock.Now(),
	}
	e.mu.Lock()
	e.instances = append(e.instances, inst)
	e.latest[vertexID] = inst
	e.mu.Unlock()
	return inst
}

func (e *Engine) isCompensating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compensating
}

// finish records the verdict exactly once, drains every mailbox, and
// publishes the terminal event. Later callers with a different verdict are
// ignored.
func (e *Engine) finish(verdict Status) {
	e.once.Do(func() {
		e.mu.Lock()
		e.status = verdict
		finished := e.cfg.clock.Now()
		drained := 0
		for _, mb := range e.mailboxes {
			drained += mb.Drain()
		}
		result := &RunResult{
			RunID:       e.runID,
			GraphID:     e.graph.ID,
			Status:      verdict,
			Globals:     e.globals.Snapshot(),
			FirstError:  e.firstFailure,
			DeadLetters: e.dlq.Entries(),
			Started:     e.startedAt,
			Finished:    finished,
			Duration:    finished.Sub(e.startedAt),
		}
		result.Instances = make([]VertexInstance, len(e.instances))
		for i, inst := range e.instances {
			result.Instances[i] = *inst
		}
		e.result = result
		e.mu.Unlock()

		eventType := emit.WorkflowCompleted
		switch verdict {
		case StatusFailed:
			eventType = emit.WorkflowFailed
		case StatusCancelled:
			eventType = emit.WorkflowCancelled
		}
		ev := emit.Event{Type: eventType, Duration: result.Duration}
		if result.FirstError != nil {
			ev.Err = result.FirstError.Message
			ev.VertexID = result.FirstError.VertexID
		}
		if drained > 0 {
			ev.Meta = map[string]any{"drained": drained}
		}
		e.emit(ev)

		if e.cfg.store != nil {
			snap := e.Snapshot("")
			_ = e.cfg.store.Save(context.Background(), e.runID, string(verdict), snap)
		}

		close(e.done)
		e.unpark()
		if e.cancel != nil {
			e.cancel()
		}
	})
}

// emit stamps and publishes one event. Never takes e.mu, so it is safe
// from mailbox and DLQ callbacks.
func (e *Engine) emit(ev emit.Event) {
	ev.RunID = e.runID
	ev.Seq = int(e.eventSeq.Add(1))
	if ev.Time.IsZero() {
		ev.Time = e.cfg.clock.Now()
	}
	e.cfg.emitter.Emit(ev)
}

// emitProgress publishes aggregate run progress. The denominator counts
// instantiated vertices only.
func (e *Engine) emitProgress() {
	e.mu.Lock()
	p := emit.Progress{Total: len(e.latest)}
	var sum time.Duration
	for _, inst := range e.latest {
		switch inst.Status {
		case StatusCompleted:
			p.Completed++
			sum += inst.Duration()
		case StatusFailed:
			p.Failed++
		case StatusCancelled:
			p.Cancelled++
		case StatusRunning:
			p.Running++
		}
	}
	e.mu.Unlock()

	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Cancelled) / float64(p.Total) * 100
	}
	if p.Completed > 0 && p.Running > 0 {
		p.ETA = time.Duration(int64(sum) / int64(p.Completed) * int64(p.Running))
	}
	e.emit(emit.Event{Type: emit.ProgressUpdated, Progress: &p})
}

// parkWhilePaused blocks while the engine is paused. Returns false when
// the run context is cancelled so the worker exits instead of re-leasing.
func (e *Engine) parkWhilePaused() bool {
	e.pauseMu.Lock()
	for e.paused && e.ctx.Err() == nil {
		e.pauseCond.Wait()
	}
	e.pauseMu.Unlock()
	return e.ctx.Err() == nil
}

func (e *Engine) unpark() {
	e.pauseMu.Lock()
	e.paused = false
	e.pauseCond.Broadcast()
	e.pauseMu.Unlock()
}

// Pause parks the workers before their next lease, waits for in-flight
// executions to land, snapshots the run, and persists it when a store is
// configured. Pending envelopes stay in their mailboxes.
func (e *Engine) Pause(ctx context.Context) (*Snapshot, error) {
	if !e.graph.AllowPause {
		return nil, ErrPauseDisabled
	}
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	leaseCancel := e.leaseCancel
	e.mu.Unlock()

	e.pauseMu.Lock()
	e.paused = true
	e.pauseMu.Unlock()
	// Kick workers out of their current Lease wait.
	leaseCancel()

	// Wait for in-flight executions to finish; they run to completion
	// rather than being interrupted.
	for {
		e.mu.Lock()
		idle := e.active == 0
		e.mu.Unlock()
		if idle {
			break
		}
		select {
		case <-ctx.Done():
			e.unpark()
			return nil, ctx.Err()
		case <-e.done:
			return nil, ErrEngineClosed
		case <-time.After(5 * time.Millisecond):
		}
	}

	e.mu.Lock()
	if e.status != StatusRunning {
		// The last in-flight vertex finished the run while we waited;
		// a terminal verdict must not regress to paused.
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.status = StatusPaused
	e.mu.Unlock()

	snap := e.Snapshot("")
	if e.cfg.store != nil {
		if err := e.cfg.store.Save(ctx, e.runID, string(StatusPaused), snap); err != nil {
			return nil, err
		}
	}
	e.emit(emit.Event{Type: emit.WorkflowPaused})
	return &snap, nil
}

// Resume continues a paused run in place.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.status != StatusPaused {
		e.mu.Unlock()
		return ErrNotPaused
	}
	e.status = StatusRunning
	e.leaseCtx, e.leaseCancel = context.WithCancel(e.ctx)
	e.mu.Unlock()

	e.unpark()
	e.emit(emit.Event{Type: emit.WorkflowResumed})
	go e.idleCheck()
	return nil
}

// Snapshot captures the current run state. With a non-empty label and a
// configured store, use Checkpoint instead to persist it.
func (e *Engine) Snapshot(label string) Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		RunID:           e.runID,
		GraphID:         e.graph.ID,
		Status:          e.status,
		Label:           label,
		Globals:         e.globals.Snapshot(),
		RetryBudgetUsed: e.budgetUsed,
		EventSeq:        int(e.eventSeq.Load()),
		Compensating:    e.compensating,
		FirstError:      e.firstFailure,
		Started:         e.startedAt,
		TakenAt:         e.cfg.clock.Now(),
	}
	snap.Instances = make([]VertexInstance, len(e.instances))
	for i, inst := range e.instances {
		snap.Instances[i] = *inst
	}
	e.mu.Unlock()

	for id, mb := range e.mailboxes {
		envs := mb.Envelopes()
		if len(envs) > 0 {
			snap.Mailboxes = append(snap.Mailboxes, MailboxState{VertexID: id, Envelopes: envs})
		}
	}
	snap.Breakers = make(map[string]string, len(e.breakers.policies))
	for kind := range e.breakers.policies {
		snap.Breakers[string(kind)] = e.breakers.state(kind).String()
	}
	return snap
}

// Checkpoint persists a labeled snapshot through the configured store.
func (e *Engine) Checkpoint(ctx context.Context, label string) (Snapshot, error) {
	snap := e.Snapshot(label)
	if e.cfg.store == nil {
		return snap, &Error{Kind: ErrKindValidation, Message: "no store configured"}
	}
	var err error
	if label == "" {
		err = e.cfg.store.Save(ctx, e.runID, string(snap.Status), snap)
	} else {
		err = e.cfg.store.SaveCheckpoint(ctx, e.runID, label, snap)
	}
	if err != nil {
		return snap, err
	}
	e.emit(emit.Event{Type: emit.CheckpointSaved, Msg: label})
	return snap, nil
}

// childEngine builds a nested engine for subflow and container vertices,
// inheriting the parent's seams. A nil shared bag gives the child isolated
// globals (subflow); passing the parent's bag shares it (container).
func (e *Engine) childEngine(g *Graph, shared *Vars, maxConcurrency int) (*Engine, error) {
	child := *g
	child.MaxConcurrency = maxConcurrency

	cfg := defaultConfig()
	cfg.clock = e.cfg.clock
	cfg.emitter = e.cfg.emitter
	cfg.evaluator = e.cfg.evaluator
	cfg.factory = e.cfg.factory
	cfg.decoder = e.cfg.decoder
	cfg.mailboxCapacity = e.cfg.mailboxCapacity
	cfg.visibility = e.cfg.visibility
	cfg.defaultTimeout = e.cfg.defaultTimeout
	cfg.defaultRetry = e.cfg.defaultRetry
	cfg.globals = shared

	return newEngine(&child, cfg, e.depth+1)
}

// decodeGraph resolves an external workflow definition for a subflow path.
func (e *Engine) decodeGraph(path string) (*Graph, error) {
	if e.cfg.decoder == nil {
		return nil, &Error{Kind: ErrKindValidation, Message: "no graph decoder configured for subflow path " + path}
	}
	return e.cfg.decoder.DecodeFile(path)
}
