package flow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMailboxCapacity is the ring size used when none is configured.
const DefaultMailboxCapacity = 256

// DefaultVisibilityTimeout bounds how long a leased envelope stays
// invisible before it is reclaimed.
const DefaultVisibilityTimeout = 30 * time.Second

// EnvelopeStatus is the lifecycle state of a mailbox envelope.
type EnvelopeStatus string

// Envelope statuses.
const (
	StatusReady      EnvelopeStatus = "ready"
	StatusLeased     EnvelopeStatus = "leased"
	StatusAcked      EnvelopeStatus = "acked"
	StatusSuperseded EnvelopeStatus = "superseded"
)

// Envelope wraps a message with lease and retry bookkeeping. The mailbox
// owns the authoritative copy; snapshots returned to callers are values.
type Envelope struct {
	Msg          Message        `json:"msg"`
	Seq          uint64         `json:"seq"`
	Status       EnvelopeStatus `json:"status"`
	VisibleAfter time.Time      `json:"visible_after"`
	Retries      int            `json:"retries"`
	LeaseID      string         `json:"lease_id,omitempty"`
	LeaseExpiry  time.Time      `json:"lease_expiry,omitempty"`
}

// EnqueueResult reports the outcome of a mailbox enqueue.
type EnqueueResult struct {
	// Seq is the enqueue sequence number assigned to the message.
	Seq uint64

	// Evicted reports that the ring was full and the oldest Ready
	// envelope was displaced to make room (newest wins under saturation).
	Evicted    bool
	EvictedSeq uint64

	// DeadLettered reports that the ring was full of leased envelopes and
	// the incoming message went straight to the dead-letter queue.
	DeadLettered bool
}

// Lease is a time-bounded exclusive claim on an envelope.
type Lease struct {
	ID  string
	Seq uint64
	Msg Message

	// Attempt is the envelope's retry count at lease time: 0 for the
	// first observation, n for the n-th retry.
	Attempt int
}

// RequeueOutcome reports what Requeue did with the envelope.
type RequeueOutcome int

// Requeue outcomes.
const (
	RequeueStale RequeueOutcome = iota
	Requeued
	DeadLettered
)

// Mailbox is a per-vertex bounded ring of message envelopes with
// lease-based visibility.
//
// Enqueue never blocks: a full ring displaces its oldest Ready envelope.
// Lease hands out the oldest visible Ready envelope under an exclusive,
// time-bounded lease; expired leases are reclaimed on every Lease call.
// All envelope state transitions happen in one atomic step against the
// expected previous state under the mailbox lock; no operation holds the
// lock across user callbacks.
type Mailbox struct {
	vertexID   string
	capacity   int
	visibility time.Duration
	policy     *RetryPolicy
	clock      Clock
	dlq        *DeadLetters

	mu      sync.Mutex
	slots   []*Envelope
	count   int
	seq     uint64
	waiters []chan struct{}
}

// NewMailbox creates a mailbox for the given vertex. capacity <= 0 uses
// DefaultMailboxCapacity; visibility <= 0 uses DefaultVisibilityTimeout. A
// nil policy means envelopes are never requeued more than zero times before
// dead-lettering.
func NewMailbox(vertexID string, capacity int, visibility time.Duration, policy *RetryPolicy, clock Clock, dlq *DeadLetters) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	if clock == nil {
		clock = SystemClock()
	}
	if dlq == nil {
		dlq = NewDeadLetters()
	}
	return &Mailbox{
		vertexID:   vertexID,
		capacity:   capacity,
		visibility: visibility,
		policy:     policy,
		clock:      clock,
		dlq:        dlq,
		slots:      make([]*Envelope, capacity),
	}
}

// VertexID returns the owning vertex id.
func (m *Mailbox) VertexID() string { return m.vertexID }

// maxAttempts is the inclusive retry cap; no policy means no retries.
func (m *Mailbox) maxAttempts() int {
	if m.policy == nil || m.policy.Strategy == "" || m.policy.Strategy == RetryNone {
		return 0
	}
	return m.policy.MaxAttempts
}

// Enqueue places a message into the next free slot. If the ring is full,
// the oldest Ready envelope is displaced and reported in the result; if the
// ring holds only leased envelopes (which are never evicted), the incoming
// message is dead-lettered instead. Never blocks.
func (m *Mailbox) Enqueue(msg Message) EnqueueResult {
	m.mu.Lock()
	m.seq++
	res := EnqueueResult{Seq: m.seq}
	env := &Envelope{
		Msg:          msg,
		Seq:          m.seq,
		Status:       StatusReady,
		VisibleAfter: m.clock.Now(),
	}

	if m.count == m.capacity {
		victim := -1
		for i, e := range m.slots {
			if e == nil || e.Status != StatusReady {
				continue
			}
			if victim == -1 || e.Seq < m.slots[victim].Seq {
				victim = i
			}
		}
		if victim == -1 {
			m.mu.Unlock()
			res.DeadLettered = true
			m.dlq.Add(DeadLetter{
				VertexID: m.vertexID,
				Reason:   ReasonMailboxOverflow,
				Seq:      res.Seq,
				Msg:      msg,
				At:       m.clock.Now(),
			})
			return res
		}
		evicted := m.slots[victim]
		evicted.Status = StatusSuperseded
		m.slots[victim] = nil
		m.count--
		res.Evicted = true
		res.EvictedSeq = evicted.Seq
		defer m.dlq.Add(DeadLetter{
			VertexID: m.vertexID,
			Reason:   ReasonMailboxOverflow,
			Retries:  evicted.Retries,
			Seq:      evicted.Seq,
			Msg:      evicted.Msg,
			At:       m.clock.Now(),
		})
	}

	for i := range m.slots {
		if m.slots[i] == nil {
			m.slots[i] = env
			m.count++
			break
		}
	}
	m.signalLocked()
	m.mu.Unlock()
	return res
}

// Lease claims the oldest visible Ready envelope. If none is visible it
// waits up to timeout (timeout <= 0 waits indefinitely) for a signal,
// returning (nil, nil) on timeout. Expired leases are reclaimed first on
// every invocation. Spurious wakeups re-enter the wait.
func (m *Mailbox) Lease(ctx context.Context, timeout time.Duration) (*Lease, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = m.clock.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		now := m.clock.Now()
		m.reclaimLocked(now)

		var best *Envelope
		for _, e := range m.slots {
			if e == nil || e.Status != StatusReady || e.VisibleAfter.After(now) {
				continue
			}
			if best == nil || e.Seq < best.Seq {
				best = e
			}
		}
		if best != nil {
			best.Status = StatusLeased
			best.LeaseID = uuid.NewString()
			best.LeaseExpiry = now.Add(m.visibility)
			lease := &Lease{ID: best.LeaseID, Seq: best.Seq, Msg: best.Msg, Attempt: best.Retries}
			m.mu.Unlock()
			return lease, nil
		}

		// Nothing visible: compute how long to sleep. The next wake is
		// the earliest future visibility or lease expiry, capped by the
		// caller's deadline.
		wait := time.Duration(1<<62 - 1)
		for _, e := range m.slots {
			if e == nil {
				continue
			}
			var at time.Time
			switch e.Status {
			case StatusReady:
				at = e.VisibleAfter
			case StatusLeased:
				at = e.LeaseExpiry
			default:
				continue
			}
			if d := at.Sub(now); d > 0 && d < wait {
				wait = d
			}
		}
		deadlineCapped := false
		if !deadline.IsZero() {
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				m.mu.Unlock()
				return nil, nil
			}
			if remaining <= wait {
				wait = remaining
				deadlineCapped = true
			}
		}

		signal := make(chan struct{}, 1)
		m.waiters = append(m.waiters, signal)
		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.dropWaiter(signal)
			return nil, ctx.Err()
		case <-timer.C:
			m.dropWaiter(signal)
			// The timer fire was the caller's deadline, not a visibility
			// event; report the timeout instead of re-entering the wait.
			if deadlineCapped {
				return nil, nil
			}
		case <-signal:
			timer.Stop()
		}
	}
}

// Acknowledge marks the leased envelope Acked and frees its slot.
// Idempotent for the holder; a stale lease id is a no-op. Reports whether
// the envelope was found.
func (m *Mailbox) Acknowledge(leaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.slots {
		if e == nil || e.Status != StatusLeased || e.LeaseID != leaseID {
			continue
		}
		e.Status = StatusAcked
		m.slots[i] = nil
		m.count--
		return true
	}
	return false
}

// Requeue increments the envelope's retry count and either makes it Ready
// again after the policy backoff or, when the count exceeds the policy
// maximum, supersedes it and moves it to the dead-letter queue. The reason
// is recorded as the dead-letter detail.
func (m *Mailbox) Requeue(leaseID, reason string) RequeueOutcome {
	m.mu.Lock()
	var env *Envelope
	var idx int
	for i, e := range m.slots {
		if e != nil && e.Status == StatusLeased && e.LeaseID == leaseID {
			env, idx = e, i
			break
		}
	}
	if env == nil {
		m.mu.Unlock()
		return RequeueStale
	}

	env.Retries++
	if env.Retries > m.maxAttempts() {
		env.Status = StatusSuperseded
		m.slots[idx] = nil
		m.count--
		entry := DeadLetter{
			VertexID: m.vertexID,
			Reason:   ReasonRetriesExhausted,
			Detail:   reason,
			Retries:  env.Retries,
			Seq:      env.Seq,
			Msg:      env.Msg,
			At:       m.clock.Now(),
		}
		m.mu.Unlock()
		m.dlq.Add(entry)
		return DeadLettered
	}

	env.Status = StatusReady
	env.LeaseID = ""
	env.VisibleAfter = m.clock.Now().Add(m.policy.Backoff(env.Retries, nil))
	m.signalLocked()
	m.mu.Unlock()
	return Requeued
}

// Discard supersedes a leased envelope unconditionally and dead-letters it
// with the given reason. Used when the run-wide retry budget is exhausted.
func (m *Mailbox) Discard(leaseID, reason string) bool {
	m.mu.Lock()
	for i, e := range m.slots {
		if e == nil || e.Status != StatusLeased || e.LeaseID != leaseID {
			continue
		}
		e.Status = StatusSuperseded
		m.slots[i] = nil
		m.count--
		entry := DeadLetter{
			VertexID: m.vertexID,
			Reason:   reason,
			Retries:  e.Retries,
			Seq:      e.Seq,
			Msg:      e.Msg,
			At:       m.clock.Now(),
		}
		m.mu.Unlock()
		m.dlq.Add(entry)
		return true
	}
	m.mu.Unlock()
	return false
}

// Drain supersedes and clears every remaining envelope. Used on workflow
// cancellation and teardown. Returns the number of envelopes cleared.
func (m *Mailbox) Drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	drained := 0
	for i, e := range m.slots {
		if e == nil {
			continue
		}
		e.Status = StatusSuperseded
		m.slots[i] = nil
		drained++
	}
	m.count = 0
	return drained
}

// Counts returns the number of Ready and Leased envelopes. Ready includes
// envelopes whose visibility window has not opened yet.
func (m *Mailbox) Counts() (ready, leased int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, e := range m.slots {
		if e == nil {
			continue
		}
		switch e.Status {
		case StatusReady:
			ready++
		case StatusLeased:
			if e.LeaseExpiry.After(now) {
				leased++
			} else {
				ready++
			}
		}
	}
	return ready, leased
}

// Envelopes returns a snapshot of the current ring contents ordered by
// sequence number. Used for checkpointing.
func (m *Mailbox) Envelopes() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, 0, m.count)
	for _, e := range m.slots {
		if e != nil {
			out = append(out, *e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Seq < out[j-1].Seq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Restore repopulates the ring from a checkpoint snapshot. Envelopes that
// were leased at snapshot time become re-leasable: status resets to Ready
// and the retry count is incremented to reflect the partial execution.
func (m *Mailbox) Restore(envs []Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = make([]*Envelope, m.capacity)
	m.count = 0
	for i := range envs {
		if m.count == m.capacity {
			break
		}
		e := envs[i]
		if e.Status == StatusLeased {
			e.Status = StatusReady
			e.LeaseID = ""
			e.Retries++
			e.VisibleAfter = m.clock.Now()
		}
		if e.Status != StatusReady {
			continue
		}
		env := e
		m.slots[m.count] = &env
		m.count++
		if e.Seq > m.seq {
			m.seq = e.Seq
		}
	}
	m.signalLocked()
}

// reclaimLocked resets envelopes with expired leases. An expired lease
// counts as an observation, so the retry count is incremented; envelopes
// past the policy maximum are superseded and dead-lettered.
func (m *Mailbox) reclaimLocked(now time.Time) {
	for i, e := range m.slots {
		if e == nil || e.Status != StatusLeased || e.LeaseExpiry.After(now) {
			continue
		}
		e.Retries++
		if e.Retries > m.maxAttempts() {
			e.Status = StatusSuperseded
			m.slots[i] = nil
			m.count--
			// Safe to call under the lock: dlq has its own mutex and
			// the observe callback must not re-enter the mailbox.
			m.dlq.Add(DeadLetter{
				VertexID: m.vertexID,
				Reason:   ReasonLeaseExpired,
				Retries:  e.Retries,
				Seq:      e.Seq,
				Msg:      e.Msg,
				At:       now,
			})
			continue
		}
		e.Status = StatusReady
		e.LeaseID = ""
		e.VisibleAfter = now
	}
}

// signalLocked wakes one waiter, if any. A woken waiter may find nothing
// visible and must return to waiting.
func (m *Mailbox) signalLocked() {
	for len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		select {
		case w <- struct{}{}:
			return
		default:
			// Waiter already gone; try the next one.
		}
	}
}

func (m *Mailbox) dropWaiter(signal chan struct{}) {
	m.mu.Lock()
	for i, w := range m.waiters {
		if w == signal {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	// A signal may have raced with removal; hand it to another waiter so
	// it is not lost.
	select {
	case <-signal:
		m.mu.Lock()
		m.signalLocked()
		m.mu.Unlock()
	default:
	}
}
