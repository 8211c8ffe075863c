package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"parley/cmd/internal/docstore"
)

// DefaultPageSize is the message page size when the caller does not choose one.
const DefaultPageSize = 25

// refillThreshold is how close to the oldest loaded message the viewport may
// get before the next page should be requested.
const refillThreshold = 3

// Pager merges backward pagination with forward live updates into one
// deduplicated, time-ascending message list.
//
// Each page load opens a live subscription covering that page's window; every
// emission from any window is the window's full current content, not a
// delta. The pager folds novel messages (by id) into the list and re-sorts
// the whole sequence by timestamp on every fold, which makes it immune to
// the store's lack of cross-subscription ordering.
type Pager struct {
	svc            *Service
	conversationID string
	userID         string
	pageSize       int

	// updates conflates: it always holds at most the latest full list, so a
	// slow consumer never reads a stale intermediate state.
	updates chan []Message

	mu          sync.Mutex
	msgs        []Message
	known       map[string]struct{}
	canLoadMore bool
	loadingPrev bool
	loadedOnce  bool
	closed      bool
	subs        []*docstore.Subscription

	wg sync.WaitGroup
}

// NewPager builds a pager for one open conversation session. userID is the
// reader whose unread state the first emission of each page reconciles.
func NewPager(svc *Service, conversationID, userID string, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{
		svc:            svc,
		conversationID: conversationID,
		userID:         userID,
		pageSize:       pageSize,
		updates:        make(chan []Message, 1),
		known:          make(map[string]struct{}),
	}
}

// Updates is the merged-list feed. Each value is an independent copy of the
// full current list. The channel closes after Close.
func (p *Pager) Updates() <-chan []Message { return p.updates }

// Messages returns a copy of the current merged list.
func (p *Pager) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// OldestMessageID returns the cursor for the next page load, or "" when the
// list is empty.
func (p *Pager) OldestMessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 {
		return ""
	}
	return p.msgs[0].ID
}

// ShouldLoadMore reports whether the viewport position warrants requesting
// the next page: within refillThreshold items of the oldest loaded message,
// with more history available and no load in flight.
func (p *Pager) ShouldLoadMore(visibleIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadedOnce && p.canLoadMore && !p.loadingPrev && visibleIndex < refillThreshold
}

// LoadPage opens the next page window: the pageSize messages immediately
// after cursor (the empty cursor means "from the start"). A call while a
// load is in flight, or after the store reported a short page, is a no-op,
// except the very first load of the conversation, which always proceeds.
func (p *Pager) LoadPage(ctx context.Context, cursor string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return docstore.ErrClosed
	}
	if p.loadedOnce && (p.loadingPrev || !p.canLoadMore) {
		p.mu.Unlock()
		return nil
	}
	p.loadedOnce = true
	p.loadingPrev = true
	p.mu.Unlock()

	sub, err := p.svc.FetchMessages(ctx, p.conversationID, p.pageSize, cursor)
	if err != nil {
		p.mu.Lock()
		p.loadingPrev = false
		p.mu.Unlock()
		return fmt.Errorf("load page: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.Unsubscribe()
		return docstore.ErrClosed
	}
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pump(ctx, sub)
	return nil
}

func (p *Pager) pump(ctx context.Context, sub *docstore.Subscription) {
	defer p.wg.Done()

	first := true
	for snaps := range sub.Updates() {
		page := MessagesFromSnapshots(snaps)
		novel := p.merge(page, first, len(page))

		if first {
			first = false
			p.reconcileRead(ctx, novel)
		}
	}
}

// merge folds the novel messages of a page emission into the list. On the
// first emission of a load it also resolves the load guards. Returns the
// ids of messages not seen before.
func (p *Pager) merge(page []Message, firstOfLoad bool, emitted int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var novel []string
	for _, m := range page {
		if _, ok := p.known[m.ID]; ok {
			continue
		}
		p.known[m.ID] = struct{}{}
		p.msgs = append(p.msgs, m)
		novel = append(novel, m.ID)
	}
	if len(novel) > 0 {
		sort.Slice(p.msgs, func(i, j int) bool {
			a, b := p.msgs[i], p.msgs[j]
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.ID < b.ID
		})
	}

	if firstOfLoad {
		p.canLoadMore = emitted == p.pageSize
		p.loadingPrev = false
	}

	if len(novel) > 0 || firstOfLoad {
		p.emitLocked()
	}
	return novel
}

// reconcileRead runs the first-page side effects: the reader has the
// conversation open, so everything just observed counts as read.
func (p *Pager) reconcileRead(ctx context.Context, novel []string) {
	if err := p.svc.MarkConversationRead(ctx, p.conversationID, p.userID); err != nil {
		p.svc.log.Warn("chat.pager.mark_read.fail", "conversation_id", p.conversationID, "err", err)
	}
	if len(novel) == 0 {
		return
	}
	if err := p.svc.MarkMessagesAsRead(ctx, novel, p.conversationID, p.userID); err != nil {
		p.svc.log.Warn("chat.pager.mark_messages.fail", "conversation_id", p.conversationID, "err", err)
	}
}

// AppendLocalSend folds an optimistically sent message into the tail, ahead
// of the live emission that will carry it. Deduplication is by id only, so
// the id must be assigned before the append; SendMessage guarantees that.
func (p *Pager) AppendLocalSend(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.known[msg.ID]; ok {
		return
	}
	p.known[msg.ID] = struct{}{}
	p.msgs = append(p.msgs, msg)
	// Already the newest in the common case; the sort is a near no-op.
	sort.Slice(p.msgs, func(i, j int) bool {
		a, b := p.msgs[i], p.msgs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	p.emitLocked()
}

// emitLocked publishes a copy of the current list, replacing any unconsumed
// previous emission. Caller holds p.mu.
func (p *Pager) emitLocked() {
	if p.closed {
		return
	}
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	for {
		select {
		case p.updates <- out:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}

// Close tears down every page subscription and closes the update feed.
func (p *Pager) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	p.wg.Wait()
	close(p.updates)
}
