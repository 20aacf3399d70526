package websocket

import (
	"sync"

	"github.com/BevzyukIvan/JSocialFlux/broker"
)

type reservation int

const (
	reserved reservation = iota
	alreadyPresent
	atCapacity
	tableClosed
)

// slot is one reservation. Workers hold on to their slot so a stale worker
// cannot touch a newer reservation of the same channel.
type slot struct {
	sub broker.Subscription // nil until committed
}

// subscriptionTable records the bus subscriptions of one session, keyed by
// channel name. A SUB first reserves its channel, which makes the duplicate
// and capacity checks atomic with respect to other SUBs; the handle is
// committed once the bus subscription exists. Ownership of a committed handle
// belongs to the table until remove or closeAll hands it back for release.
type subscriptionTable struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*slot
	closed  bool
}

func newSubscriptionTable(limit int) *subscriptionTable {
	return &subscriptionTable{
		limit:   limit,
		entries: make(map[string]*slot),
	}
}

func (t *subscriptionTable) reserve(channel string) (*slot, reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closed:
		return nil, tableClosed
	case t.entries[channel] != nil:
		return nil, alreadyPresent
	case len(t.entries) >= t.limit:
		return nil, atCapacity
	}
	sl := &slot{}
	t.entries[channel] = sl
	return sl, reserved
}

// commit stores sub in its reservation. It returns false when the
// reservation was withdrawn meanwhile (UNSUB or teardown); the caller keeps
// ownership of sub and must release it.
func (t *subscriptionTable) commit(channel string, sl *slot, sub broker.Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.entries[channel] != sl || sl.sub != nil {
		return false
	}
	sl.sub = sub
	return true
}

// cancel drops a reservation that never got a handle.
func (t *subscriptionTable) cancel(channel string, sl *slot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[channel] == sl && sl.sub == nil {
		delete(t.entries, channel)
	}
}

// remove deletes the entry for channel and returns its handle, if one was
// committed. Removing a pending reservation makes the later commit fail.
func (t *subscriptionTable) remove(channel string) (broker.Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sl, ok := t.entries[channel]
	if !ok {
		return nil, false
	}
	delete(t.entries, channel)
	return sl.sub, sl.sub != nil
}

// closeAll empties the table, refuses further reservations and returns every
// committed handle.
func (t *subscriptionTable) closeAll() []broker.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	var subs []broker.Subscription
	for _, sl := range t.entries {
		if sl.sub != nil {
			subs = append(subs, sl.sub)
		}
	}
	t.entries = make(map[string]*slot)
	return subs
}

// active counts committed handles.
func (t *subscriptionTable) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, sl := range t.entries {
		if sl.sub != nil {
			n++
		}
	}
	return n
}
