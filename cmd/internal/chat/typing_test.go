package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"parley/cmd/internal/docstore"
)

// recordingStore wraps a Store and keeps every committed batch so tests can
// count writes, not just inspect final state.
type recordingStore struct {
	docstore.Store

	mu      sync.Mutex
	batches [][]docstore.Op
}

func (r *recordingStore) Batch(ctx context.Context, ops []docstore.Op) error {
	if err := r.Store.Batch(ctx, ops); err != nil {
		return err
	}
	r.mu.Lock()
	r.batches = append(r.batches, ops)
	r.mu.Unlock()
	return nil
}

// typingWrites counts committed isTyping transitions on projections.
func (r *recordingStore) typingWrites() (raised, lowered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, batch := range r.batches {
		for _, op := range batch {
			if op.Ref.Collection != UserConversationsCollection {
				continue
			}
			v, ok := op.Fields["isTyping"]
			if !ok {
				continue
			}
			if v == true {
				raised++
			} else {
				lowered++
			}
		}
	}
	return raised, lowered
}

func newTypingFixture(t *testing.T, debounce time.Duration) (*Debouncer, *recordingStore, string) {
	t.Helper()
	clock := newStepClock()
	rec := &recordingStore{Store: docstore.NewMemoryStore(clock.Now)}
	t.Cleanup(func() { rec.Close() })

	svc := NewService(nil, rec, WithNow(clock.Now), WithTypingGrace(20*time.Millisecond))
	t.Cleanup(svc.Close)
	res := mustCreate(t, svc, alice, bob, "hi")

	// The fixture counts typing writes only; forget the creation batch.
	rec.mu.Lock()
	rec.batches = nil
	rec.mu.Unlock()

	d := NewDebouncer(svc, alice.ID, debounce)
	t.Cleanup(d.Close)
	return d, rec, res.Conversation.ID
}

func waitTypingWrites(t *testing.T, rec *recordingStore, wantRaised, wantLowered int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		raised, lowered := rec.typingWrites()
		if raised == wantRaised && lowered == wantLowered {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("typing writes = (%d raised, %d lowered), want (%d, %d)",
				raised, lowered, wantRaised, wantLowered)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDebouncer_BurstProducesOnePair(t *testing.T) {
	t.Parallel()
	const debounce = 60 * time.Millisecond
	d, rec, convID := newTypingFixture(t, debounce)
	ctx := context.Background()

	last := time.Now()
	for i := 0; i < 8; i++ {
		if err := d.Keystroke(ctx, convID); err != nil {
			t.Fatalf("keystroke %d: %v", i, err)
		}
		last = time.Now()
		time.Sleep(debounce / 6) // well inside the quiet interval
	}

	waitTypingWrites(t, rec, 1, 1)
	if quiet := time.Since(last); quiet < debounce {
		t.Errorf("flag lowered %v after the last keystroke, want >= %v", quiet, debounce)
	}

	// The burst is over; nothing further may fire.
	time.Sleep(2 * debounce)
	if raised, lowered := rec.typingWrites(); raised != 1 || lowered != 1 {
		t.Errorf("late writes: (%d raised, %d lowered), want (1, 1)", raised, lowered)
	}
}

func TestDebouncer_TwoBurstsTwoPairs(t *testing.T) {
	t.Parallel()
	const debounce = 40 * time.Millisecond
	d, rec, convID := newTypingFixture(t, debounce)
	ctx := context.Background()

	if err := d.Keystroke(ctx, convID); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	waitTypingWrites(t, rec, 1, 1)

	if err := d.Keystroke(ctx, convID); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	waitTypingWrites(t, rec, 2, 2)
}

func TestDebouncer_StopLowersImmediately(t *testing.T) {
	t.Parallel()
	d, rec, convID := newTypingFixture(t, time.Hour) // timer must never fire
	ctx := context.Background()

	if err := d.Keystroke(ctx, convID); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	if err := d.Stop(ctx, convID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitTypingWrites(t, rec, 1, 1)

	// Stop without a raised flag writes nothing.
	if err := d.Stop(ctx, convID); err != nil {
		t.Fatalf("idle stop: %v", err)
	}
	if raised, lowered := rec.typingWrites(); raised != 1 || lowered != 1 {
		t.Errorf("idle stop wrote: (%d, %d), want (1, 1)", raised, lowered)
	}
}

func TestDebouncer_BackgroundMidBurstLowers(t *testing.T) {
	t.Parallel()
	d, rec, convID := newTypingFixture(t, time.Hour)
	ctx := context.Background()

	if err := d.Keystroke(ctx, convID); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	// No further keystrokes: backgrounding alone must lower the flag via
	// the engine's grace path.
	if err := d.Lifecycle(ctx, convID, LifecycleBackground); err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	waitTypingWrites(t, rec, 1, 1)
}

func TestDebouncer_ForegroundLifecycleIsNoop(t *testing.T) {
	t.Parallel()
	d, rec, convID := newTypingFixture(t, time.Hour)
	ctx := context.Background()

	if err := d.Lifecycle(ctx, convID, LifecycleActive); err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	if raised, lowered := rec.typingWrites(); raised != 0 || lowered != 0 {
		t.Errorf("foreground transition wrote: (%d, %d), want (0, 0)", raised, lowered)
	}
}
