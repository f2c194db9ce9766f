package xfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/freenet-go/corexfer/comm"
)

var logXfer = comm.LogFn(comm.LogLevelDebug, "xfer")

// TransmitterSettings holds the bulk-transfer protocol's timing constants.
type TransmitterSettings struct {
	// Timeout is the per-transfer idle bound: if no packet has been sent
	// successfully for this long and no completion/cancellation has
	// arrived, the transfer gives up.
	Timeout time.Duration
	// FinalAckTimeout is how long the receive-all filter stays armed after
	// completed() so a late-arriving BulkReceivedAll can still be observed.
	FinalAckTimeout time.Duration
	// IdlePollInterval bounds how long the send loop can sleep with nothing
	// to do before re-checking timeouts and disconnect state.
	IdlePollInterval time.Duration
	// PerPacketTimeout bounds a single SendThrottledMessage call.
	PerPacketTimeout time.Duration
	// HeaderOverhead is added to the envelope size for the per-packet size
	// budget when the peer link doesn't report its own overhead.
	HeaderOverhead int
	// Authenticator, when set, tags every outgoing BulkPacketSend with a
	// keyed integrity mac the receiving BulkReceiver must verify before
	// writing the block. Nil means packets go out unauthenticated.
	Authenticator *PacketAuthenticator
}

func DefaultTransmitterSettings() *TransmitterSettings {
	return &TransmitterSettings{
		Timeout:          5 * time.Minute,
		FinalAckTimeout:  10 * time.Second,
		IdlePollInterval: 60 * time.Second,
		PerPacketTimeout: DefaultReceiverSettings().TIMEOUT,
		HeaderOverhead:   64,
	}
}

// headerOverheader is optionally implemented by a comm.PeerLink to report
// its own per-message framing overhead (session header, MAC tag, etc).
type headerOverheader interface {
	HeaderOverhead() int
}

func oneMessageHeaderOverhead(peer comm.PeerLink, fallback int) int {
	if ho, ok := peer.(headerOverheader); ok {
		return ho.HeaderOverhead()
	}
	return fallback
}

// BulkTransmitter drives sending every block of a PartiallyReceivedBulk to
// one peer under one transfer uid. Construction subscribes to the PRB and registers two async
// filters (BulkReceiveAborted, BulkReceivedAll) on the bus; Send runs the
// single-threaded send loop to completion, cancellation, or a fatal error.
type BulkTransmitter struct {
	prb        *PartiallyReceivedBulk
	peer       comm.PeerLink
	bus        *comm.MessageBus
	uid        TransferId
	peerBootId uint64
	counter    comm.ByteCounter
	noWait     bool
	packetSize int
	settings   *TransmitterSettings

	mu   sync.Mutex
	cond *sync.Cond

	notSentButPresent *PresenceBitmap
	inFlightPackets   int
	failedPacket      bool
	cancelled         bool
	finished          bool
	finishTime        time.Time
	sentCancel        bool
	cancelReason      string

	abortFilter *comm.MessageFilter
	allFilter   *comm.MessageFilter
}

// NewBulkTransmitter constructs a transmitter for prb, targeting peer under
// uid. If the peer is already disconnected, construction fails with
// ErrDisconnected and nothing is registered.
func NewBulkTransmitter(
	prb *PartiallyReceivedBulk,
	peer comm.PeerLink,
	bus *comm.MessageBus,
	uid TransferId,
	noWait bool,
	counter comm.ByteCounter,
	settings *TransmitterSettings,
) (*BulkTransmitter, error) {
	if !peer.IsConnected() {
		return nil, ErrDisconnected
	}
	if settings == nil {
		settings = DefaultTransmitterSettings()
	}

	bt := &BulkTransmitter{
		prb:        prb,
		peer:       peer,
		bus:        bus,
		uid:        uid,
		peerBootId: peer.BootId(),
		counter:    counter,
		noWait:     noWait,
		settings:   settings,
	}
	bt.cond = sync.NewCond(&bt.mu)

	// Clone-then-subscribe under the PRB lock: no block delivered between
	// the clone and the Add can be lost or double-counted (see PRB doc).
	prb.WithLock(func() {
		bt.notSentButPresent = prb.CloneBlocksReceivedLocked()
		prb.AddLocked(bt)
	})

	bt.packetSize = bulkPacketEnvelope(prb.BlockSize, settings.Authenticator != nil) + oneMessageHeaderOverhead(peer, settings.HeaderOverhead)

	bt.abortFilter = comm.Create().
		SetNoTimeout().
		SetSource(peer).
		SetType(BulkReceiveAborted).
		SetField("uid", uidField(uid))
	bus.AddAsyncFilter(bt.abortFilter, &transmitterAbortCallback{bt: bt})

	bt.allFilter = comm.Create().
		SetNoTimeout().
		SetSource(peer).
		SetType(BulkReceivedAll).
		SetField("uid", uidField(uid))
	bus.AddAsyncFilter(bt.allFilter, &transmitterAllCallback{bt: bt})

	return bt, nil
}

type transmitterAbortCallback struct{ bt *BulkTransmitter }

func (c *transmitterAbortCallback) OnMatched(m *comm.Message) {
	c.bt.Cancel("remote abort")
}
func (c *transmitterAbortCallback) OnTimeout()                  {}
func (c *transmitterAbortCallback) OnDisconnect(comm.PeerContext) {}
func (c *transmitterAbortCallback) OnRestarted(comm.PeerContext)  {}
func (c *transmitterAbortCallback) ShouldTimeout() bool {
	bt := c.bt
	bt.mu.Lock()
	done := bt.cancelled || bt.finished
	bt.mu.Unlock()
	return done || bt.prb.IsAborted()
}

type transmitterAllCallback struct{ bt *BulkTransmitter }

func (c *transmitterAllCallback) OnMatched(m *comm.Message) {
	c.bt.completed()
}
func (c *transmitterAllCallback) OnTimeout()                  {}
func (c *transmitterAllCallback) OnDisconnect(comm.PeerContext) {}
func (c *transmitterAllCallback) OnRestarted(comm.PeerContext)  {}
func (c *transmitterAllCallback) ShouldTimeout() bool {
	bt := c.bt
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.cancelled {
		return true
	}
	if bt.finished {
		return time.Since(bt.finishTime) > bt.settings.FinalAckTimeout
	}
	return bt.prb.IsAborted()
}

// onBlockReceived implements BlockSubscriber: a block became present, so
// it's a send candidate. Only the send loop clears bits; this only sets
// them.
func (bt *BulkTransmitter) onBlockReceived(block uint32) {
	bt.mu.Lock()
	bt.notSentButPresent.Set(block, true)
	bt.mu.Unlock()
	bt.cond.Broadcast()
}

// onAborted implements BlockSubscriber for a PRB-level abort.
func (bt *BulkTransmitter) onAborted() {
	bt.sendAbortedMessage()
	bt.cond.Broadcast()
}

func (bt *BulkTransmitter) sendAbortedMessage() {
	bt.mu.Lock()
	if bt.sentCancel {
		bt.mu.Unlock()
		return
	}
	bt.sentCancel = true
	bt.mu.Unlock()

	if err := bt.peer.SendAsync(newBulkSendAborted(bt.uid), nil, bt.counter); err != nil {
		logXfer("BulkSendAborted not delivered for uid=%d: %v", bt.uid, err)
	}
}

// Cancel aborts the transfer for reason: it emits at most one
// BulkSendAborted, wakes the send loop, and removes this transmitter
// from the PRB's subscriber set. Safe to call from any goroutine, any
// number of times.
func (bt *BulkTransmitter) Cancel(reason string) {
	bt.sendAbortedMessage()
	bt.mu.Lock()
	bt.cancelled = true
	bt.cancelReason = reason
	bt.mu.Unlock()
	bt.cond.Broadcast()
	bt.prb.Remove(bt)
}

// completed marks the transfer finished without emitting BulkSendAborted:
// the receiver told us it has everything, even if our bookkeeping still
// shows unsent blocks (it may have gotten them from another source).
func (bt *BulkTransmitter) completed() {
	bt.mu.Lock()
	bt.finished = true
	bt.finishTime = time.Now()
	bt.mu.Unlock()
	bt.cond.Broadcast()
	bt.prb.Remove(bt)
}

func (bt *BulkTransmitter) CancelReason() string {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.cancelReason
}

func (bt *BulkTransmitter) Finished() bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.finished
}

func (bt *BulkTransmitter) Cancelled() bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.cancelled
}

// Send runs the send loop to completion. It returns true iff the transfer
// completed (BulkReceivedAll observed, or noWait short-circuit); false on
// any cancellation, error, or ctx cancellation. At most one of Finished()/
// Cancelled() is true once Send returns; the PRB-aborted and send-error
// returns that do not go through Cancel leave both false. Send does not wait
// for outstanding packets to be acknowledged, so inFlightPackets may still
// be non-zero when it returns.
func (bt *BulkTransmitter) Send(ctx context.Context) bool {
	lastSentPacket := time.Now()

	for {
		if bt.prb.IsAborted() {
			logXfer("aborted uid=%d", bt.uid)
			bt.prb.Remove(bt)
			return false
		}
		select {
		case <-ctx.Done():
			bt.Cancel("context cancelled")
			return false
		default:
		}

		if bt.peer.BootId() != bt.peerBootId {
			bt.mu.Lock()
			bt.cancelled = true
			bt.mu.Unlock()
			bt.cond.Broadcast()
			bt.prb.Remove(bt)
			logXfer("peer restarted mid-transfer uid=%d", bt.uid)
			return false
		}

		bt.mu.Lock()
		if bt.finished {
			bt.mu.Unlock()
			return true
		}
		if bt.cancelled {
			bt.mu.Unlock()
			return false
		}
		blockNo := bt.notSentButPresent.FirstSet()
		bt.mu.Unlock()

		if blockNo < 0 {
			if bt.noWait && bt.prb.HasWholeFile() {
				bt.completed()
				return true
			}
			if !bt.waitForProgress(ctx, lastSentPacket) {
				return false
			}
			continue
		}

		buf := bt.prb.GetBlockData(uint32(blockNo))
		if buf == nil {
			logXfer("block %d missing, prb aborted concurrently uid=%d", blockNo, bt.uid)
			bt.prb.Remove(bt)
			return false
		}

		var mac []byte
		if bt.settings.Authenticator != nil {
			mac = bt.settings.Authenticator.Tag(bt.uid, uint32(blockNo), buf)
		}

		tag := newUnsentPacketTag(bt)
		msg := newBulkPacketSend(bt.uid, uint32(blockNo), buf, mac)
		err := bt.peer.SendThrottledMessage(msg, bt.packetSize, bt.counter, bt.settings.PerPacketTimeout, tag)
		if err != nil {
			switch {
			case errors.Is(err, ErrWaitedTooLong):
				comm.LogError("failed to send bulk packet %d for uid=%d: %v", blockNo, bt.uid, err)
				bt.prb.Remove(bt)
				return false
			case errors.Is(err, ErrSyncSendWaitedTooLong):
				comm.LogError("impossible sync-send timeout for uid=%d: %v", bt.uid, err)
				bt.prb.Remove(bt)
				return false
			case errors.Is(err, comm.ErrNotConnected):
				bt.Cancel("Disconnected")
				return false
			case errors.Is(err, comm.ErrPeerRestarted):
				bt.Cancel("PeerRestarted")
				return false
			default:
				comm.LogError("send error for uid=%d: %v", bt.uid, err)
				bt.prb.Remove(bt)
				return false
			}
		}

		bt.mu.Lock()
		bt.notSentButPresent.Set(uint32(blockNo), false)
		bt.mu.Unlock()
		lastSentPacket = time.Now()
	}
}

// waitForProgress blocks for a single broadcast or the idle poll interval,
// whichever comes first, then re-checks every condition that broadcast could
// have signaled: a failed in-flight packet, a new block becoming sendable, or
// the terminal filters (BulkReceivedAll/BulkReceiveAborted) firing. The
// caller's loop re-derives finished/cancelled/blockNo from scratch on the
// next iteration, so a single wait per decision point is enough -- it never
// needs to distinguish which condition actually fired here.
func (bt *BulkTransmitter) waitForProgress(ctx context.Context, lastSentPacket time.Time) bool {
	bt.mu.Lock()
	if bt.failedPacket {
		bt.mu.Unlock()
		bt.Cancel("packet send failed")
		return false
	}
	bt.waitLocked(bt.settings.IdlePollInterval)
	failed := bt.failedPacket
	bt.mu.Unlock()
	if failed {
		bt.Cancel("packet send failed")
		return false
	}

	select {
	case <-ctx.Done():
		bt.Cancel("context cancelled")
		return false
	default:
	}

	if time.Since(lastSentPacket) > bt.settings.Timeout {
		comm.LogError("send timed out on uid=%d", bt.uid)
		bt.Cancel("Timeout awaiting BulkReceivedAll")
		return false
	}
	return true
}

// waitLocked releases bt.mu, waits for a broadcast or timeout, and
// reacquires bt.mu. Callers must hold bt.mu.
func (bt *BulkTransmitter) waitLocked(timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		bt.mu.Lock()
		bt.mu.Unlock()
		bt.cond.Broadcast()
	})
	defer timer.Stop()
	bt.cond.Wait()
}

// unsentPacketTag tracks one outstanding BulkPacketSend: incremented on
// submission, decremented on Acknowledged; Disconnected/FatalError instead
// mark the transmitter's failedPacket flag and wake the send loop. Sent is
// informational only -- we wait for the ack, not the local enqueue.
type unsentPacketTag struct {
	bt *BulkTransmitter

	mu       sync.Mutex
	finished bool
}

func newUnsentPacketTag(bt *BulkTransmitter) *unsentPacketTag {
	bt.mu.Lock()
	bt.inFlightPackets++
	bt.mu.Unlock()
	return &unsentPacketTag{bt: bt}
}

func (t *unsentPacketTag) complete(failed bool) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.mu.Unlock()

	bt := t.bt
	bt.mu.Lock()
	if failed {
		bt.failedPacket = true
	} else {
		bt.inFlightPackets--
	}
	bt.mu.Unlock()
	bt.cond.Broadcast()
}

func (t *unsentPacketTag) Sent()         {}
func (t *unsentPacketTag) Acknowledged() { t.complete(false) }
func (t *unsentPacketTag) Disconnected() { t.complete(true) }
func (t *unsentPacketTag) FatalError()   { t.complete(true) }
