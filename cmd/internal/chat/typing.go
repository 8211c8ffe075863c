package chat

import (
	"context"
	"sync"
	"time"
)

// DefaultTypingDebounce is the quiet interval after the last keystroke
// before the typing flag is lowered.
const DefaultTypingDebounce = 2 * time.Second

// Debouncer turns raw keystrokes and lifecycle transitions into a bounded
// sequence of typing-state writes: one rising-edge write per burst, one
// falling-edge write once the burst has been quiet for the interval. A
// burst of keystrokes closer together than the interval produces exactly
// two writes total, however long the burst.
type Debouncer struct {
	svc      *Service
	userID   string
	interval time.Duration

	mu     sync.Mutex
	closed bool
	typing map[string]bool        // conversation id -> flag currently raised
	timers map[string]*time.Timer // conversation id -> pending lower
}

// NewDebouncer builds a debouncer for one user's session. interval <= 0
// selects DefaultTypingDebounce.
func NewDebouncer(svc *Service, userID string, interval time.Duration) *Debouncer {
	if interval <= 0 {
		interval = DefaultTypingDebounce
	}
	return &Debouncer{
		svc:      svc,
		userID:   userID,
		interval: interval,
		typing:   make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
}

// Keystroke records one keystroke in the conversation. The first keystroke
// of a burst writes isTyping=true immediately; every keystroke restarts the
// single lower timer, so the false write lands only once the user has been
// quiet for the full interval.
func (d *Debouncer) Keystroke(ctx context.Context, conversationID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	rising := !d.typing[conversationID]
	d.typing[conversationID] = true
	if t, ok := d.timers[conversationID]; ok {
		t.Stop()
	}
	d.timers[conversationID] = time.AfterFunc(d.interval, func() {
		d.lower(conversationID)
	})
	d.mu.Unlock()

	if !rising {
		return nil
	}
	return d.svc.SetTypingIndicator(ctx, d.userID, conversationID, true, LifecycleActive)
}

// Stop lowers the flag immediately, e.g. when a message is sent and the
// composer empties. No write happens if the flag was never raised.
func (d *Debouncer) Stop(ctx context.Context, conversationID string) error {
	d.mu.Lock()
	raised := d.typing[conversationID]
	d.clearLocked(conversationID)
	d.mu.Unlock()

	if !raised {
		return nil
	}
	return d.svc.SetTypingIndicator(ctx, d.userID, conversationID, false, LifecycleActive)
}

// Lifecycle forwards an application lifecycle transition. Leaving the
// foreground mid-burst cancels the pending lower and hands the conversation
// to the engine's grace-period path, which guarantees a false write even if
// no further keystroke ever arrives.
func (d *Debouncer) Lifecycle(ctx context.Context, conversationID string, state Lifecycle) error {
	switch state {
	case LifecycleBackground, LifecycleTerminated:
		d.mu.Lock()
		raised := d.typing[conversationID]
		d.clearLocked(conversationID)
		d.mu.Unlock()
		if !raised {
			return nil
		}
		return d.svc.SetTypingIndicator(ctx, d.userID, conversationID, false, state)
	default:
		return nil
	}
}

// lower is the timer callback: the burst went quiet.
func (d *Debouncer) lower(conversationID string) {
	d.mu.Lock()
	if d.closed || !d.typing[conversationID] {
		d.mu.Unlock()
		return
	}
	d.clearLocked(conversationID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.svc.SetTypingIndicator(ctx, d.userID, conversationID, false, LifecycleActive); err != nil {
		d.svc.log.Warn("chat.typing.lower.fail", "conversation_id", conversationID, "err", err)
	}
}

// clearLocked drops the flag and any pending lower. Caller holds d.mu.
func (d *Debouncer) clearLocked(conversationID string) {
	d.typing[conversationID] = false
	if t, ok := d.timers[conversationID]; ok {
		t.Stop()
		delete(d.timers, conversationID)
	}
}

// Close cancels pending timers and lowers every raised flag, best effort.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var raised []string
	for id, on := range d.typing {
		if on {
			raised = append(raised, id)
		}
	}
	d.typing = map[string]bool{}
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range raised {
		if err := d.svc.SetTypingIndicator(ctx, d.userID, id, false, LifecycleActive); err != nil {
			d.svc.log.Warn("chat.typing.close.fail", "conversation_id", id, "err", err)
		}
	}
}
