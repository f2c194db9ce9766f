package comm

import (
	"sync"
	"time"
)

// AsyncMessageFilterCallback is the non-blocking sink for a MessageFilter.
// A filter with a callback is never used in a blocking WaitFor;
// onStartWaiting enforces this.
type AsyncMessageFilterCallback interface {
	OnMatched(msg *Message)
	OnTimeout()
	OnDisconnect(peer PeerContext)
	OnRestarted(peer PeerContext)
	ShouldTimeout() bool
}

// noTimeoutDeadline stands in for "no timeout" (infinite deadline). It is
// kept far enough in the future that time comparisons never need a special
// case for it.
var noTimeoutDeadline = time.Unix(1<<62, 0)

// MessageFilter is a predicate over one incoming message paired with a
// delivery sink: a blocking waiter (via WaitFor) or an AsyncMessageFilterCallback.
// Never use the same filter both ways.
//
// State machine: Armed -> {Matched, TimedOut, Disconnected, Cancelled}; all
// transitions are terminal except Matched, which ClearMatched() may reverse
// for a composite or-chain owner that re-registers the filter.
type MessageFilter struct {
	mu sync.Mutex
	cond *sync.Cond

	typ    *MessageType
	source PeerContext
	oldBootId uint64

	fieldNames []string
	fields     map[string]any

	timeoutSet      bool
	timeoutDeadline time.Time
	initialTimeout  time.Duration
	timeoutFromWait bool

	or *MessageFilter

	callback AsyncMessageFilterCallback

	matched           bool
	message           *Message
	droppedConnection PeerContext
	cancelled         bool
}

// Create returns a new, unarmed filter. Callers must call SetTimeout or
// SetNoTimeout before registering it with a MessageBus.
func Create() *MessageFilter {
	f := &MessageFilter{
		fields:          map[string]any{},
		timeoutFromWait: true,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *MessageFilter) SetType(t *MessageType) *MessageFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typ = t
	return f
}

func (f *MessageFilter) Type() *MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typ
}

func (f *MessageFilter) SetSource(source PeerContext) *MessageFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = source
	if source != nil {
		f.oldBootId = source.BootId()
	}
	return f
}

func (f *MessageFilter) Source() PeerContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source
}

// SetField appends (name, value) to the ordered constraint list, or
// overwrites the value if name is already present (order unchanged).
// Panics with an *IncorrectTypeError-carrying value if the filter has a
// type set and value's runtime type does not match that field's schema;
// this is a programmer error and fails fast per the error design.
func (f *MessageFilter) SetField(name string, value any) *MessageFilter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.typ != nil {
		if !f.typ.CheckType(name, value) {
			got, _ := fieldTypeOf(value)
			want, _ := f.typ.FieldType(name)
			panic(&IncorrectTypeError{TypeName: f.typ.Name(), Field: name, Got: got, Want: want})
		}
	}
	if _, exists := f.fields[name]; !exists {
		f.fieldNames = append(f.fieldNames, name)
	}
	f.fields[name] = value
	return f
}

// SetTimeout arms the filter with a deadline timeout from now (or, if
// SetTimeoutRelativeToCreation(false) is in effect -- the default -- from
// the start of the next WaitFor). Must be called exactly once before
// registration.
func (f *MessageFilter) SetTimeout(d time.Duration) *MessageFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeoutSet = true
	f.initialTimeout = d
	f.timeoutDeadline = time.Now().Add(d)
	return f
}

func (f *MessageFilter) SetNoTimeout() *MessageFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeoutSet = true
	f.timeoutDeadline = noTimeoutDeadline
	f.initialTimeout = 0
	return f
}

// SetTimeoutRelativeToCreation controls whether the deadline set by
// SetTimeout is rebased when WaitFor starts (default false: rebase at wait
// start).
func (f *MessageFilter) SetTimeoutRelativeToCreation(b bool) *MessageFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeoutFromWait = !b
	return f
}

// Or attaches an alternative filter evaluated when self fails to match.
// Reassigning to a different non-nil filter is almost certainly a caller
// bug; it is logged and the new value wins, matching the upstream
// implementation's documented (if dubious) override behavior -- see
// DESIGN.md's note on this open question.
func (f *MessageFilter) Or(other *MessageFilter) *MessageFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if other != nil && f.or != nil && other != f.or {
		LogError("MessageFilter.Or replacing existing alternative: %p -> %p", f.or, other)
	}
	f.or = other
	return f
}

func (f *MessageFilter) ClearOr() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.or = nil
}

func (f *MessageFilter) SetAsyncCallback(cb AsyncMessageFilterCallback) *MessageFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callback = cb
	return f
}

func (f *MessageFilter) hasCallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callback != nil
}

// onStartWaiting rebases the timeout (if relative-to-wait) and recurses down
// the or-chain. waitFor must be false for any filter that has a callback;
// a filter built for async delivery must never be blocked on.
func (f *MessageFilter) onStartWaiting(waitFor bool) {
	var or *MessageFilter
	f.mu.Lock()
	if waitFor && f.callback != nil {
		f.mu.Unlock()
		panic("cannot wait on a MessageFilter with a callback")
	}
	if !f.timeoutSet {
		LogError("no timeout set on filter %v", f)
	}
	if f.initialTimeout > 0 && f.timeoutFromWait {
		f.timeoutDeadline = time.Now().Add(f.initialTimeout)
	}
	or = f.or
	f.mu.Unlock()
	if or != nil {
		or.onStartWaiting(waitFor)
	}
}

// Match reports whether msg satisfies this filter (or its or-chain) at time
// now: type, source, every field equal, and not timed out. Evaluation
// short-circuits on a matching or-chain alternative.
func (f *MessageFilter) Match(msg *Message, now time.Time) bool {
	f.mu.Lock()
	or := f.or
	f.mu.Unlock()
	if or != nil && or.Match(msg, now) {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.typ != nil && f.typ != msg.Type {
		return false
	}
	if f.source != nil && f.source != msg.Source {
		return false
	}
	for _, name := range f.fieldNames {
		v, ok := msg.Fields[name]
		if !ok {
			return false
		}
		if !fieldEqual(f.fields[name], v) {
			return false
		}
	}
	if f.reallyTimedOutLocked(now) {
		return false
	}
	return true
}

func fieldEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// reallyTimedOutLocked requires f.mu held. If the callback says shouldTimeout,
// the deadline is collapsed to force timeout on the next check.
func (f *MessageFilter) reallyTimedOutLocked(now time.Time) bool {
	if f.callback != nil && f.callback.ShouldTimeout() {
		f.timeoutDeadline = time.Time{}
	}
	return f.timeoutDeadline.Before(now)
}

// TimedOut reports whether the filter should be removed by the bus's
// periodic scan: either it has already matched (a bug -- logged and treated
// as removable) or its deadline has passed.
func (f *MessageFilter) TimedOut(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matched {
		LogError("filter already matched in TimedOut: %v", f)
		return true
	}
	return f.reallyTimedOutLocked(now)
}

func (f *MessageFilter) Matched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matched
}

func (f *MessageFilter) Message() *Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.message
}

func (f *MessageFilter) DroppedConnection() PeerContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.droppedConnection
}

func (f *MessageFilter) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// SetMessage records a match and wakes any blocking waiter. Called by the
// MessageBus only: matched <=> message != nil holds immediately after.
func (f *MessageFilter) SetMessage(msg *Message) {
	f.mu.Lock()
	f.message = msg
	f.matched = msg != nil
	f.mu.Unlock()
	f.cond.Broadcast()
}

// ClearMatched resets matched state so a composite or-chain owner can
// re-register this filter; the reset propagates down the or-chain.
func (f *MessageFilter) ClearMatched() {
	f.mu.Lock()
	f.matched = false
	f.message = nil
	or := f.or
	f.mu.Unlock()
	if or != nil {
		or.ClearMatched()
	}
}

// MatchesDroppedConnection reports whether ctx is this filter's source, or
// recursively its or-chain's source.
func (f *MessageFilter) MatchesDroppedConnection(ctx PeerContext) bool {
	f.mu.Lock()
	src, or := f.source, f.or
	f.mu.Unlock()
	if src == ctx {
		return true
	}
	if or != nil {
		return or.MatchesDroppedConnection(ctx)
	}
	return false
}

// OnDroppedConnection notifies a disconnect. Caller (the bus) must already
// have verified MatchesDroppedConnection(ctx).
//
// It reuses droppedConnection for both disconnect and restart notifications,
// matching the upstream implementation; see DESIGN.md for why this
// conflation is kept rather than split into two fields.
func (f *MessageFilter) OnDroppedConnection(ctx PeerContext) {
	f.mu.Lock()
	f.droppedConnection = ctx
	cb := f.callback
	f.mu.Unlock()
	f.cond.Broadcast()
	if cb != nil {
		cb.OnDisconnect(ctx)
	}
}

func (f *MessageFilter) OnRestartedConnection(ctx PeerContext) {
	f.mu.Lock()
	f.droppedConnection = ctx
	cb := f.callback
	f.mu.Unlock()
	f.cond.Broadcast()
	if cb != nil {
		cb.OnRestarted(ctx)
	}
}

// OnMatched notifies the callback sink of a match with no lock held, after
// clearing matched state so the filter can legally be re-added by the
// callback itself (e.g. an or-chain owner).
func (f *MessageFilter) OnMatched() {
	f.mu.Lock()
	msg := f.message
	cb := f.callback
	f.mu.Unlock()
	if cb != nil {
		f.ClearMatched()
		cb.OnMatched(msg)
	}
}

// OnTimedOut wakes any blocking waiter and, if this is an async filter,
// invokes the callback's timeout disposition. A filter removed via
// MessageBus.Cancel also arrives here, since cancellation and timeout share
// a removal path in the bus.
func (f *MessageFilter) OnTimedOut() {
	f.cond.Broadcast()
	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil {
		cb.OnTimeout()
	}
}

// cancel marks the filter cancelled; used by MessageBus.Cancel.
func (f *MessageFilter) cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

// AnyConnectionsDropped reports whether this filter's source (or its
// or-chain's) has disconnected or restarted since the filter was armed.
// Already-matched filters report false: a match supersedes a subsequent
// disconnect for delivery purposes.
func (f *MessageFilter) AnyConnectionsDropped() bool {
	f.mu.Lock()
	matched := f.matched
	source := f.source
	oldBootId := f.oldBootId
	or := f.or
	f.mu.Unlock()

	if matched {
		return false
	}
	if source != nil {
		if !source.IsConnected() {
			return true
		}
		if source.BootId() != oldBootId {
			return true
		}
	}
	if or != nil {
		return or.AnyConnectionsDropped()
	}
	return false
}

// WaitFor blocks until the filter matches, times out, or done is closed,
// returning the matched message (nil if no match). A passed deadline is
// noticed on the next wakeup, which the bus's Tick delivers when it expires
// the filter. It must not be called on
// a filter with a callback; onStartWaiting enforces this.
//
// The caller is responsible for having registered the filter with a
// MessageBus before calling WaitFor, so that incoming messages can reach it
// while it's blocked here.
func (f *MessageFilter) WaitFor(done <-chan struct{}) *Message {
	f.onStartWaiting(true)

	woken := make(chan struct{})
	go func() {
		select {
		case <-done:
			f.cond.Broadcast()
		case <-woken:
		}
	}()
	defer close(woken)

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.matched || f.droppedConnection != nil || f.cancelled || f.timeoutDeadline.Before(time.Now()) {
			return f.message
		}
		select {
		case <-done:
			return f.message
		default:
		}
		f.cond.Wait()
	}
}
