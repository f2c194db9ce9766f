package transport

import (
	"sync"
	"time"

	"github.com/freenet-go/corexfer/comm"
)

// ResilientPeerLink wraps a primary and a fallback PeerLink to the same
// peer and fails over between them, generalizing connect/net_resilient.go's
// approach to tolerating a hostile or flaky
// network -- there it reshapes TLS records on one TCP connection; here it
// swaps the whole logical link out from under BulkTransmitter/BulkReceiver,
// which only see a single comm.PeerLink and never learn a failover
// happened mid-transfer.
type ResilientPeerLink struct {
	mu      sync.RWMutex
	primary comm.PeerLink
	fallback comm.PeerLink
	active  comm.PeerLink

	onFailover func(from, to comm.PeerLink)
}

// NewResilientPeerLink starts with primary active; fallback is used once
// primary reports IsConnected()==false.
func NewResilientPeerLink(primary, fallback comm.PeerLink) *ResilientPeerLink {
	return &ResilientPeerLink{primary: primary, fallback: fallback, active: primary}
}

// OnFailover installs a callback invoked every time Active() switches links,
// so callers (e.g. a transfer supervisor) can log or re-announce boot id.
func (r *ResilientPeerLink) OnFailover(fn func(from, to comm.PeerLink)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailover = fn
}

// Active returns the currently preferred live link, switching from primary
// to fallback (and back) as their connectivity changes.
func (r *ResilientPeerLink) Active() comm.PeerLink {
	r.mu.RLock()
	active := r.active
	primary := r.primary
	fallback := r.fallback
	r.mu.RUnlock()

	if active == primary && !primary.IsConnected() && fallback.IsConnected() {
		r.swapTo(fallback)
		return fallback
	}
	if active == fallback && primary.IsConnected() {
		r.swapTo(primary)
		return primary
	}
	return active
}

func (r *ResilientPeerLink) swapTo(next comm.PeerLink) {
	r.mu.Lock()
	prev := r.active
	if prev == next {
		r.mu.Unlock()
		return
	}
	r.active = next
	cb := r.onFailover
	r.mu.Unlock()
	logTransport("resilient link failing over %s -> %s", prev.ShortId(), next.ShortId())
	if cb != nil {
		cb(prev, next)
	}
}

func (r *ResilientPeerLink) PeerId() comm.PeerId { return r.Active().PeerId() }
func (r *ResilientPeerLink) BootId() uint64      { return r.Active().BootId() }
func (r *ResilientPeerLink) ShortId() string     { return r.Active().ShortId() }

// IsConnected reports whether either link is live; callers needing to know
// which one should inspect Active().IsConnected() themselves.
func (r *ResilientPeerLink) IsConnected() bool {
	r.mu.RLock()
	primary, fallback := r.primary, r.fallback
	r.mu.RUnlock()
	return primary.IsConnected() || fallback.IsConnected()
}

func (r *ResilientPeerLink) SendAsync(msg *comm.Message, callback comm.AsyncMessageCallback, counter comm.ByteCounter) error {
	return r.Active().SendAsync(msg, callback, counter)
}

func (r *ResilientPeerLink) SendThrottledMessage(msg *comm.Message, size int, counter comm.ByteCounter, timeout time.Duration, tag comm.AsyncMessageCallback) error {
	return r.Active().SendThrottledMessage(msg, size, counter, timeout, tag)
}

var _ comm.PeerLink = (*ResilientPeerLink)(nil)
