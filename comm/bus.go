package comm

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var logBus = LogFn(LogLevelDebug, "bus")

// MessageBus demultiplexes incoming messages to registered filters. It holds
// a per-peer registry plus a global (source-agnostic) registry; matching
// removes the filter and schedules delivery off a small bounded pool of
// delivery goroutines so that user callbacks never run with the bus lock
// held. A background goroutine drives Tick on its own, so a filter's
// deadline (or a callback's ShouldTimeout) expires on the wall clock rather
// than only when some other code happens to call Tick itself.
type MessageBus struct {
	mu sync.Mutex

	byPeer map[PeerContext][]*MessageFilter
	global []*MessageFilter

	deliverySem chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// deliveryConcurrency bounds how many filter callbacks/waiter wakeups run
// concurrently off the bus; it is not a hard cap on registered filters.
const deliveryConcurrency = 64

// TickInterval is how often a MessageBus's background goroutine calls Tick
// to expire filters. A var rather than a const so tests can shrink it
// instead of waiting out the production cadence.
var TickInterval = time.Second

func NewMessageBus() *MessageBus {
	b := &MessageBus{
		byPeer:      map[PeerContext][]*MessageFilter{},
		deliverySem: make(chan struct{}, deliveryConcurrency),
		closed:      make(chan struct{}),
	}
	go b.tickLoop()
	return b
}

// tickLoop calls Tick every TickInterval until Close, so that a filter
// registered with SetTimeout (rather than SetNoTimeout) -- BulkReceiver's
// idle packet filter, for instance -- actually expires without any other
// component remembering to drive Tick itself.
func (b *MessageBus) tickLoop() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// AddFilter registers f for exactly one match. If f.Source() is set and
// already disconnected, registration still succeeds (callers that require a
// live peer at registration, like BulkTransmitter, check separately) --
// the bus's job is matching, not peer admission.
func (b *MessageBus) AddFilter(f *MessageFilter) {
	f.onStartWaiting(!f.hasCallback())

	b.mu.Lock()
	defer b.mu.Unlock()
	if src := f.Source(); src != nil {
		b.byPeer[src] = append(b.byPeer[src], f)
	} else {
		b.global = append(b.global, f)
	}
}

// AddAsyncFilter registers a non-blocking filter; it is a programmer error
// to call this with a filter that has no callback.
func (b *MessageBus) AddAsyncFilter(f *MessageFilter, cb AsyncMessageFilterCallback) {
	f.SetAsyncCallback(cb)
	b.AddFilter(f)
}

// RemoveFilter removes f from whichever registry it was placed in, if it is
// still present. Used by Cancel and internally once a filter is matched or
// timed out.
func (b *MessageBus) RemoveFilter(f *MessageFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(f)
}

func (b *MessageBus) removeLocked(f *MessageFilter) {
	if src := f.Source(); src != nil {
		b.byPeer[src] = removeFilter(b.byPeer[src], f)
	} else {
		b.global = removeFilter(b.global, f)
	}
}

func removeFilter(list []*MessageFilter, f *MessageFilter) []*MessageFilter {
	i := slices.Index(list, f)
	if i < 0 {
		return list
	}
	return slices.Delete(slices.Clone(list), i, i+1)
}

// Cancel removes f from the bus and delivers a cancelled-by-caller timeout
// disposition to its callback, per the concurrency model's cancellation
// rule: pending callback filters are told via OnTimeout.
func (b *MessageBus) Cancel(f *MessageFilter) {
	b.RemoveFilter(f)
	f.cancel()
	b.deliver(f.OnTimedOut)
}

// Dispatch delivers msg to exactly one matching filter: the one with the
// earliest timeout deadline when more than one matches (ties broken by
// insertion order). The other matching filters stay registered. The winner
// is removed from the registry before its callback runs.
func (b *MessageBus) Dispatch(msg *Message) {
	now := time.Now()

	b.mu.Lock()
	candidates := make([]*MessageFilter, 0, len(b.global)+4)
	candidates = append(candidates, b.global...)
	if msg.Source != nil {
		candidates = append(candidates, b.byPeer[msg.Source]...)
	}
	b.mu.Unlock()

	var matches []*MessageFilter
	for _, f := range candidates {
		if f.Match(msg, now) {
			matches = append(matches, f)
		}
	}
	if len(matches) == 0 {
		return
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].timeoutDeadlineUnsafe().Before(matches[j].timeoutDeadlineUnsafe())
	})

	winner := matches[0]
	b.RemoveFilter(winner)
	winner.SetMessage(msg)
	logBus("matched %s from %v", winner.Type().Name(), msg.Source)
	b.deliver(winner.OnMatched)
}

// timeoutDeadlineUnsafe reads the deadline under the filter's own lock. It is
// only called by Dispatch, with no bus lock held, on filters that were just
// matched against the bus's candidate snapshot.
func (f *MessageFilter) timeoutDeadlineUnsafe() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeoutDeadline
}

// Tick scans all registered filters for expiry (deadline passed or
// callback.ShouldTimeout()) and removes/delivers OnTimedOut for each. The
// bus's own background goroutine calls it every TickInterval; callers may
// also call it directly.
func (b *MessageBus) Tick() {
	now := time.Now()

	b.mu.Lock()
	expired := make([]*MessageFilter, 0)
	for peer, list := range b.byPeer {
		for _, f := range list {
			if f.TimedOut(now) {
				expired = append(expired, f)
			}
		}
		_ = peer
	}
	for _, f := range b.global {
		if f.TimedOut(now) {
			expired = append(expired, f)
		}
	}
	for _, f := range expired {
		b.removeLocked(f)
	}
	b.mu.Unlock()

	for _, f := range expired {
		b.deliver(f.OnTimedOut)
	}
}

// NotifyDisconnected delivers OnDisconnect to every filter (global or
// belonging to peer) whose source chain matches peer, removing each from
// the registry since a dropped connection is a terminal disposition.
func (b *MessageBus) NotifyDisconnected(peer PeerContext) {
	b.notifyConnectionEvent(peer, false)
}

// NotifyRestarted delivers OnRestarted for a peer whose boot id changed
// without a full disconnect/reconnect cycle being observed by the bus.
func (b *MessageBus) NotifyRestarted(peer PeerContext) {
	b.notifyConnectionEvent(peer, true)
}

func (b *MessageBus) notifyConnectionEvent(peer PeerContext, restarted bool) {
	b.mu.Lock()
	affected := make([]*MessageFilter, 0)
	for _, f := range b.byPeer[peer] {
		if f.MatchesDroppedConnection(peer) {
			affected = append(affected, f)
		}
	}
	for _, f := range b.global {
		if f.MatchesDroppedConnection(peer) {
			affected = append(affected, f)
		}
	}
	for _, f := range affected {
		b.removeLocked(f)
	}
	delete(b.byPeer, peer)
	b.mu.Unlock()

	for _, f := range affected {
		ff := f
		if restarted {
			b.deliver(func() { ff.OnRestartedConnection(peer) })
		} else {
			b.deliver(func() { ff.OnDroppedConnection(peer) })
		}
	}
}

// PeerCount reports how many distinct peers currently have registered
// filters; used in tests and diagnostics only.
func (b *MessageBus) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(maps.Keys(b.byPeer))
}

// deliver runs fn on the bounded delivery pool, with no bus lock held.
func (b *MessageBus) deliver(fn func()) {
	select {
	case b.deliverySem <- struct{}{}:
	case <-b.closed:
		return
	}
	go func() {
		defer func() { <-b.deliverySem }()
		fn()
	}()
}

// Close stops accepting new deliveries; in-flight deliveries still run to
// completion.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}
