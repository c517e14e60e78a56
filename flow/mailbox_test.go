package flow

import (
	"context"
	"testing"
	"time"
)

func testMsg(source string) Message {
	return Message{Kind: KindComplete, SourceID: source}
}

func TestMailboxEnqueueLeaseAcknowledge(t *testing.T) {
	clock := newFakeClock()
	dlq := NewDeadLetters()
	mb := NewMailbox("v", 4, time.Minute, nil, clock, dlq)

	res := mb.Enqueue(testMsg("a"))
	if res.Seq != 1 || res.Evicted || res.DeadLettered {
		t.Fatalf("unexpected enqueue result: %+v", res)
	}

	lease, err := mb.Lease(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if lease == nil {
		t.Fatal("expected a lease")
	}
	if lease.Msg.SourceID != "a" || lease.Attempt != 0 {
		t.Errorf("unexpected lease: %+v", lease)
	}

	if !mb.Acknowledge(lease.ID) {
		t.Error("expected acknowledge to find the lease")
	}
	if mb.Acknowledge(lease.ID) {
		t.Error("expected second acknowledge to be a stale no-op")
	}

	ready, leased := mb.Counts()
	if ready != 0 || leased != 0 {
		t.Errorf("Counts() = (%d, %d), want (0, 0)", ready, leased)
	}
}

func TestMailboxLeaseOrderIsFIFO(t *testing.T) {
	clock := newFakeClock()
	mb := NewMailbox("v", 8, time.Minute, nil, clock, NewDeadLetters())

	for _, src := range []string{"first", "second", "third"} {
		mb.Enqueue(testMsg(src))
	}
	for _, want := range []string{"first", "second", "third"} {
		lease, err := mb.Lease(context.Background(), time.Millisecond)
		if err != nil || lease == nil {
			t.Fatalf("Lease: %v, %v", lease, err)
		}
		if lease.Msg.SourceID != want {
			t.Errorf("leased %q, want %q", lease.Msg.SourceID, want)
		}
		mb.Acknowledge(lease.ID)
	}
}

func TestMailboxLeaseExclusive(t *testing.T) {
	clock := newFakeClock()
	mb := NewMailbox("v", 4, time.Minute, nil, clock, NewDeadLetters())
	mb.Enqueue(testMsg("a"))

	first, _ := mb.Lease(context.Background(), time.Millisecond)
	if first == nil {
		t.Fatal("expected first lease")
	}
	second, err := mb.Lease(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if second != nil {
		t.Error("leased envelope must not be leasable again before expiry")
	}
}

func TestMailboxOverflowEvictsOldestReady(t *testing.T) {
	clock := newFakeClock()
	dlq := NewDeadLetters()
	mb := NewMailbox("v", 2, time.Minute, nil, clock, dlq)

	mb.Enqueue(testMsg("old"))
	mb.Enqueue(testMsg("mid"))
	res := mb.Enqueue(testMsg("new"))

	if !res.Evicted || res.EvictedSeq != 1 {
		t.Fatalf("expected oldest ready envelope evicted, got %+v", res)
	}
	entries := dlq.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Reason != ReasonMailboxOverflow || entries[0].Msg.SourceID != "old" {
		t.Errorf("unexpected dead letter: %+v", entries[0])
	}

	lease, _ := mb.Lease(context.Background(), time.Millisecond)
	if lease == nil || lease.Msg.SourceID != "mid" {
		t.Errorf("expected mid to survive, got %+v", lease)
	}
}

func TestMailboxOverflowAllLeasedDeadLettersIncoming(t *testing.T) {
	clock := newFakeClock()
	dlq := NewDeadLetters()
	mb := NewMailbox("v", 2, time.Minute, nil, clock, dlq)

	mb.Enqueue(testMsg("a"))
	mb.Enqueue(testMsg("b"))
	if l, _ := mb.Lease(context.Background(), time.Millisecond); l == nil {
		t.Fatal("expected lease a")
	}
	if l, _ := mb.Lease(context.Background(), time.Millisecond); l == nil {
		t.Fatal("expected lease b")
	}

	res := mb.Enqueue(testMsg("incoming"))
	if !res.DeadLettered {
		t.Fatal("expected incoming message to be dead-lettered when all slots are leased")
	}
	entries := dlq.Entries()
	if len(entries) != 1 || entries[0].Msg.SourceID != "incoming" {
		t.Errorf("unexpected dead letters: %+v", entries)
	}
}

func TestMailboxRequeueBacksOffAndDeadLettersPastCap(t *testing.T) {
	clock := newFakeClock()
	dlq := NewDeadLetters()
	policy := &RetryPolicy{Strategy: RetryFixed, MaxAttempts: 2, Delay: 10 * time.Millisecond}
	mb := NewMailbox("v", 4, time.Minute, policy, clock, dlq)
	mb.Enqueue(testMsg("a"))

	// Initial observation plus MaxAttempts retries.
	observations := 0
	for {
		lease, err := mb.Lease(context.Background(), time.Millisecond)
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if lease == nil {
			// Backoff visibility window; advance past it.
			clock.Advance(20 * time.Millisecond)
			continue
		}
		if lease.Attempt != observations {
			t.Errorf("observation %d: lease.Attempt = %d", observations, lease.Attempt)
		}
		observations++
		if mb.Requeue(lease.ID, ErrKindExecution) == DeadLettered {
			break
		}
	}

	if observations != 3 {
		t.Errorf("expected MaxAttempts+1 = 3 observations, got %d", observations)
	}
	entries := dlq.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Reason != ReasonRetriesExhausted {
		t.Errorf("reason = %q, want %q", entries[0].Reason, ReasonRetriesExhausted)
	}
	if entries[0].Detail != ErrKindExecution {
		t.Errorf("detail = %q, want requeue reason", entries[0].Detail)
	}
	if entries[0].Retries != 3 {
		t.Errorf("retries = %d, want 3", entries[0].Retries)
	}
}

func TestMailboxRequeueRespectsBackoffVisibility(t *testing.T) {
	clock := newFakeClock()
	policy := &RetryPolicy{Strategy: RetryFixed, MaxAttempts: 3, Delay: 100 * time.Millisecond}
	mb := NewMailbox("v", 4, time.Minute, policy, clock, NewDeadLetters())
	mb.Enqueue(testMsg("a"))

	lease, _ := mb.Lease(context.Background(), time.Millisecond)
	if lease == nil {
		t.Fatal("expected lease")
	}
	mb.Requeue(lease.ID, ErrKindExecution)

	// Within the jittered backoff window (min 75ms) nothing is visible.
	clock.Advance(50 * time.Millisecond)
	if l, _ := mb.Lease(context.Background(), time.Millisecond); l != nil {
		t.Fatal("envelope should still be invisible during backoff")
	}

	clock.Advance(100 * time.Millisecond)
	l, _ := mb.Lease(context.Background(), time.Millisecond)
	if l == nil {
		t.Fatal("envelope should be visible after backoff")
	}
	if l.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", l.Attempt)
	}
}

func TestMailboxLeaseExpiryReclaims(t *testing.T) {
	clock := newFakeClock()
	policy := &RetryPolicy{Strategy: RetryFixed, MaxAttempts: 3, Delay: 0}
	mb := NewMailbox("v", 4, 30*time.Second, policy, clock, NewDeadLetters())
	mb.Enqueue(testMsg("a"))

	first, _ := mb.Lease(context.Background(), time.Millisecond)
	if first == nil {
		t.Fatal("expected first lease")
	}

	clock.Advance(31 * time.Second)
	second, _ := mb.Lease(context.Background(), time.Millisecond)
	if second == nil {
		t.Fatal("expected reclaimed envelope to be leasable")
	}
	if second.Attempt != 1 {
		t.Errorf("expired lease should count as an observation: Attempt = %d, want 1", second.Attempt)
	}

	// The original holder's operations are stale now.
	if mb.Acknowledge(first.ID) {
		t.Error("stale acknowledge should be a no-op")
	}
	if mb.Requeue(first.ID, "x") != RequeueStale {
		t.Error("stale requeue should report RequeueStale")
	}
}

func TestMailboxLeaseExpiryPastCapDeadLetters(t *testing.T) {
	clock := newFakeClock()
	dlq := NewDeadLetters()
	mb := NewMailbox("v", 4, 30*time.Second, nil, clock, dlq)
	mb.Enqueue(testMsg("a"))

	if l, _ := mb.Lease(context.Background(), time.Millisecond); l == nil {
		t.Fatal("expected lease")
	}
	clock.Advance(31 * time.Second)
	if l, _ := mb.Lease(context.Background(), time.Millisecond); l != nil {
		t.Fatal("no-policy envelope should be dead-lettered on expiry, not re-leased")
	}
	entries := dlq.Entries()
	if len(entries) != 1 || entries[0].Reason != ReasonLeaseExpired {
		t.Errorf("unexpected dead letters: %+v", entries)
	}
}

func TestMailboxDiscard(t *testing.T) {
	clock := newFakeClock()
	dlq := NewDeadLetters()
	mb := NewMailbox("v", 4, time.Minute, nil, clock, dlq)
	mb.Enqueue(testMsg("a"))

	lease, _ := mb.Lease(context.Background(), time.Millisecond)
	if !mb.Discard(lease.ID, ReasonBudgetExhausted) {
		t.Fatal("expected discard to find the lease")
	}
	entries := dlq.Entries()
	if len(entries) != 1 || entries[0].Reason != ReasonBudgetExhausted {
		t.Errorf("unexpected dead letters: %+v", entries)
	}
	if mb.Discard(lease.ID, "again") {
		t.Error("second discard should be stale")
	}
}

func TestMailboxDrain(t *testing.T) {
	clock := newFakeClock()
	mb := NewMailbox("v", 4, time.Minute, nil, clock, NewDeadLetters())
	mb.Enqueue(testMsg("a"))
	mb.Enqueue(testMsg("b"))
	if l, _ := mb.Lease(context.Background(), time.Millisecond); l == nil {
		t.Fatal("expected lease")
	}

	if drained := mb.Drain(); drained != 2 {
		t.Errorf("Drain() = %d, want 2", drained)
	}
	ready, leased := mb.Counts()
	if ready != 0 || leased != 0 {
		t.Errorf("Counts() after drain = (%d, %d)", ready, leased)
	}
}

func TestMailboxLeaseBlocksUntilSignal(t *testing.T) {
	mb := NewMailbox("v", 4, time.Minute, nil, SystemClock(), NewDeadLetters())

	leased := make(chan *Lease, 1)
	go func() {
		l, _ := mb.Lease(context.Background(), time.Second)
		leased <- l
	}()

	time.Sleep(10 * time.Millisecond)
	mb.Enqueue(testMsg("a"))

	select {
	case l := <-leased:
		if l == nil || l.Msg.SourceID != "a" {
			t.Errorf("unexpected lease: %+v", l)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by enqueue")
	}
}

func TestMailboxLeaseContextCancel(t *testing.T) {
	mb := NewMailbox("v", 4, time.Minute, nil, SystemClock(), NewDeadLetters())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := mb.Lease(ctx, 0)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Lease did not observe cancellation")
	}
}

func TestMailboxEnvelopesAndRestore(t *testing.T) {
	clock := newFakeClock()
	policy := &RetryPolicy{Strategy: RetryFixed, MaxAttempts: 3, Delay: 0}
	mb := NewMailbox("v", 4, time.Minute, policy, clock, NewDeadLetters())
	mb.Enqueue(testMsg("ready"))
	mb.Enqueue(testMsg("inflight"))

	if l, _ := mb.Lease(context.Background(), time.Millisecond); l == nil {
		t.Fatal("expected lease")
	}

	envs := mb.Envelopes()
	if len(envs) != 2 {
		t.Fatalf("Envelopes() returned %d, want 2", len(envs))
	}
	if envs[0].Seq > envs[1].Seq {
		t.Error("envelopes must be ordered by sequence")
	}

	restored := NewMailbox("v", 4, time.Minute, policy, clock, NewDeadLetters())
	restored.Restore(envs)

	first, _ := restored.Lease(context.Background(), time.Millisecond)
	second, _ := restored.Lease(context.Background(), time.Millisecond)
	if first == nil || second == nil {
		t.Fatal("both envelopes should be leasable after restore")
	}
	// The envelope that was leased at snapshot time carries one extra
	// retry for the interrupted execution.
	if first.Msg.SourceID != "ready" || first.Attempt != 1 {
		t.Errorf("first restored lease: %+v", first)
	}
	if second.Msg.SourceID != "inflight" || second.Attempt != 0 {
		t.Errorf("second restored lease: %+v", second)
	}
}
