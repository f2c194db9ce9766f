package transport

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freenet-go/corexfer/comm"
	"github.com/freenet-go/corexfer/xfer"
)

// LoopFault configures packet-level misbehavior a LoopPeerLink injects on
// delivery, for exercising BulkTransmitter/BulkReceiver against an unreliable
// link without a real network.
type LoopFault struct {
	DropRate      float64
	DuplicateRate float64
	DelayMin      time.Duration
	DelayMax      time.Duration
}

// loopPeerState is the mutable state of one direction of a loop pair,
// shared between the two LoopPeerLink endpoints that reference each other so
// that simulating a restart or disconnect on one side is immediately visible
// to the other -- matching a real PeerLink's bootId/isConnected semantics.
type loopPeerState struct {
	peerId    comm.PeerId
	bootId    atomic.Uint64
	connected atomic.Bool
}

func (s *loopPeerState) PeerId() comm.PeerId { return s.peerId }
func (s *loopPeerState) BootId() uint64      { return s.bootId.Load() }
func (s *loopPeerState) IsConnected() bool   { return s.connected.Load() }
func (s *loopPeerState) ShortId() string     { return s.peerId.String()[:8] }

var _ comm.PeerContext = (*loopPeerState)(nil)

// LoopPeerLink is an in-memory comm.PeerLink for deterministic tests: two
// linked instances (see NewLoopPeerLinkPair) deliver messages directly into
// each other's comm.MessageBus, with optional fault injection.
//
// remote tracks the liveness/bootId this link reports for the peer it
// represents; mirror is the counterpart LoopPeerLink living in that peer's
// world, used to stamp an outgoing message's Source so the receiving bus's
// filters -- registered with SetSource(mirror) on that side -- match by the
// same pointer identity a real PeerLink handshake would establish.
type LoopPeerLink struct {
	remote *loopPeerState
	mirror *LoopPeerLink

	remoteBus *comm.MessageBus

	throttle *xfer.Throttle

	fault LoopFault

	mu             sync.Mutex
	rng            *rand.Rand
	reportedSource comm.PeerContext
}

// SetReportedSource overrides the comm.PeerContext this link stamps as a
// delivered message's Source, in place of its own mirror. A ResilientPeerLink
// wrapping several physical LoopPeerLink pairs (primary and fallback) uses
// this so every message it relays carries the same stable Source identity
// regardless of which physical pair actually delivered it -- matching what a
// real failover-capable link would present to MessageBus filters registered
// against the ResilientPeerLink itself rather than one physical leg.
func (l *LoopPeerLink) SetReportedSource(ctx comm.PeerContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reportedSource = ctx
}

func (l *LoopPeerLink) reportedSourceLocked() comm.PeerContext {
	if l.reportedSource != nil {
		return l.reportedSource
	}
	return l.mirror
}

// NewLoopPeerLinkPair builds two LoopPeerLinks, each observing the other's
// identity/liveness and delivering into the other's bus. busA/busB are the
// receiving ends: linkToB.SendAsync/SendThrottledMessage delivers into busB
// with Source=linkToA, and vice versa.
func NewLoopPeerLinkPair(busA, busB *comm.MessageBus, settings *LinkSettings) (*LoopPeerLink, *LoopPeerLink) {
	if settings == nil {
		settings = DefaultLinkSettings()
	}
	a := &loopPeerState{peerId: comm.NewPeerId()}
	b := &loopPeerState{peerId: comm.NewPeerId()}
	a.bootId.Store(1)
	a.connected.Store(true)
	b.bootId.Store(1)
	b.connected.Store(true)

	linkToB := &LoopPeerLink{
		remote:    b,
		remoteBus: busB,
		throttle:  xfer.NewThrottle(settings.ByteRate, settings.ByteBurst),
		rng:       rand.New(rand.NewSource(1)),
	}
	linkToA := &LoopPeerLink{
		remote:    a,
		remoteBus: busA,
		throttle:  xfer.NewThrottle(settings.ByteRate, settings.ByteBurst),
		rng:       rand.New(rand.NewSource(2)),
	}
	linkToB.mirror = linkToA
	linkToA.mirror = linkToB
	return linkToB, linkToA
}

// SetFault installs fault-injection knobs for packets sent on this link.
func (l *LoopPeerLink) SetFault(f LoopFault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fault = f
}

// SimulateDisconnect flips the remote peer's liveness as observed through
// this link, as if the underlying connection dropped.
func (l *LoopPeerLink) SimulateDisconnect() {
	l.remote.connected.Store(false)
}

func (l *LoopPeerLink) SimulateReconnect() {
	l.remote.connected.Store(true)
}

// SimulateRestart bumps the remote peer's boot id without a disconnect --
// the PeerRestarted case a BulkTransmitter's send loop must detect.
func (l *LoopPeerLink) SimulateRestart() {
	l.remote.bootId.Add(1)
}

func (l *LoopPeerLink) PeerId() comm.PeerId { return l.remote.peerId }
func (l *LoopPeerLink) BootId() uint64      { return l.remote.bootId.Load() }
func (l *LoopPeerLink) IsConnected() bool   { return l.remote.connected.Load() }
func (l *LoopPeerLink) ShortId() string     { return l.remote.peerId.String()[:8] }

func (l *LoopPeerLink) SendAsync(msg *comm.Message, callback comm.AsyncMessageCallback, counter comm.ByteCounter) error {
	if !l.IsConnected() {
		if callback != nil {
			callback.Disconnected()
		}
		return comm.ErrNotConnected
	}
	l.deliver(msg, callback, counter)
	return nil
}

func (l *LoopPeerLink) SendThrottledMessage(msg *comm.Message, size int, counter comm.ByteCounter, timeout time.Duration, tag comm.AsyncMessageCallback) error {
	if !l.IsConnected() {
		if tag != nil {
			tag.Disconnected()
		}
		return comm.ErrNotConnected
	}
	if err := l.throttle.Wait(size, timeout); err != nil {
		return err
	}
	if counter != nil {
		counter.AddBytes(size)
	}
	l.deliver(msg, tag, counter)
	return nil
}

// deliver runs fault injection and hands msg to the remote bus on its own
// goroutine so SendAsync/SendThrottledMessage never blocks on delivery.
func (l *LoopPeerLink) deliver(msg *comm.Message, callback comm.AsyncMessageCallback, counter comm.ByteCounter) {
	l.mu.Lock()
	fault := l.fault
	rng := l.rng
	drop := fault.DropRate > 0 && rng.Float64() < fault.DropRate
	duplicate := fault.DuplicateRate > 0 && rng.Float64() < fault.DuplicateRate
	var delay time.Duration
	if fault.DelayMax > fault.DelayMin {
		delay = fault.DelayMin + time.Duration(rng.Int63n(int64(fault.DelayMax-fault.DelayMin)))
	} else {
		delay = fault.DelayMin
	}
	source := l.reportedSourceLocked()
	l.mu.Unlock()

	msg.Source = source
	msg.BootId = source.BootId()

	if callback != nil {
		callback.Sent()
	}

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if drop {
			if callback != nil {
				callback.FatalError()
			}
			return
		}
		l.remoteBus.Dispatch(msg)
		if duplicate {
			l.remoteBus.Dispatch(msg)
		}
		if callback != nil {
			callback.Acknowledged()
		}
	}()
}

var _ comm.PeerLink = (*LoopPeerLink)(nil)
