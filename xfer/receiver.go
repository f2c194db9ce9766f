package xfer

import (
	"sync"
	"time"

	"github.com/freenet-go/corexfer/comm"
)

// BulkReceiver is the symmetric counterpart to BulkTransmitter: it accepts
// BulkPacketSend packets from one peer for one transfer uid, writes them
// into a PartiallyReceivedBulk, and emits the terminal control message
// (BulkReceivedAll or BulkReceiveAborted) once the outcome is known.
//
// A BulkReceiver does not subscribe to the PRB as a BlockSubscriber and never
// adds itself to the PRB's subscriber set: it drives the PRB directly via
// BlockReceived/Abort, and detects completion by checking HasWholeFile after
// each block it writes.
type BulkReceiver struct {
	prb  *PartiallyReceivedBulk
	peer comm.PeerLink
	bus  *comm.MessageBus
	uid  TransferId

	counter comm.ByteCounter

	settings *ReceiverSettings

	mu        sync.Mutex
	cond      *sync.Cond
	done      bool
	completed bool

	packetFilter *comm.MessageFilter
}

// ReceiverSettings holds the timing constant BulkReceiver.TIMEOUT, the
// per-packet send throttle bound the sender refers to from its own
// perspective. The receiver itself uses it only as the default
// no-progress bound before it gives up and aborts.
type ReceiverSettings struct {
	// TIMEOUT is how long the receiver waits for the next packet before
	// abandoning the transfer.
	TIMEOUT time.Duration
	// Authenticator, when set, must match the sender's TransmitterSettings
	// Authenticator: every incoming BulkPacketSend's mac is verified against
	// it before the block is written into the PRB, and the packet is
	// dropped (not treated as the block's delivery) on mismatch.
	Authenticator *PacketAuthenticator
}

func DefaultReceiverSettings() *ReceiverSettings {
	return &ReceiverSettings{TIMEOUT: 5 * time.Minute}
}

// NewBulkReceiver constructs a receiver for prb, accepting BulkPacketSend
// packets from peer under uid, and registers the packet-intake filter with
// bus. If the peer is already disconnected, construction fails with
// ErrDisconnected, mirroring NewBulkTransmitter's admission check.
func NewBulkReceiver(
	prb *PartiallyReceivedBulk,
	peer comm.PeerLink,
	bus *comm.MessageBus,
	uid TransferId,
	counter comm.ByteCounter,
	settings *ReceiverSettings,
) (*BulkReceiver, error) {
	if !peer.IsConnected() {
		return nil, ErrDisconnected
	}
	if settings == nil {
		settings = DefaultReceiverSettings()
	}

	br := &BulkReceiver{
		prb:      prb,
		peer:     peer,
		bus:      bus,
		uid:      uid,
		counter:  counter,
		settings: settings,
	}
	br.cond = sync.NewCond(&br.mu)

	br.packetFilter = comm.Create().
		SetTimeout(settings.TIMEOUT).
		SetSource(peer).
		SetType(BulkPacketSend).
		SetField("uid", uidField(uid))
	bus.AddAsyncFilter(br.packetFilter, &receiverPacketCallback{br: br})

	return br, nil
}

type receiverPacketCallback struct{ br *BulkReceiver }

// OnMatched writes one block into the PRB. If that completes the file it
// emits BulkReceivedAll and does not re-arm; otherwise it re-registers the
// filter for the next packet. ShouldTimeout reports true once the receiver
// is done, so the bus expires a filter that is still registered by then.
func (c *receiverPacketCallback) OnMatched(m *comm.Message) {
	br := c.br
	blockNo := uint32(m.GetInt32("blockNo"))
	data := m.GetBytes("bytes")

	br.mu.Lock()
	done := br.done
	br.mu.Unlock()
	if done {
		// Control message already final for this uid; further data packets
		// for that uid are dropped.
		return
	}

	if br.settings.Authenticator != nil {
		mac := m.GetBytes("mac")
		if !br.settings.Authenticator.Verify(br.uid, blockNo, data, mac) {
			logXfer("dropping block %d for uid=%d: mac verification failed", blockNo, br.uid)
			br.bus.AddAsyncFilter(br.packetFilter, c)
			return
		}
	}

	br.prb.BlockReceived(blockNo, data)

	if br.prb.HasWholeFile() {
		br.complete()
		return
	}

	// Re-register for the next packet; OnMatched fires once per match and
	// the bus removed the filter on match, so the receiver must re-arm.
	br.mu.Lock()
	stillOpen := !br.done
	br.mu.Unlock()
	if stillOpen {
		br.bus.AddAsyncFilter(br.packetFilter, c)
	}
}

// OnTimeout fires either because the receiver went idle longer than
// settings.TIMEOUT with no packet arriving, or because ShouldTimeout forced
// the deadline once the receiver was already done -- Abort is a no-op in the
// latter case.
func (c *receiverPacketCallback) OnTimeout() {
	c.br.Abort()
}

func (c *receiverPacketCallback) OnDisconnect(comm.PeerContext) {
	c.br.Abort()
}

func (c *receiverPacketCallback) OnRestarted(comm.PeerContext) {
	c.br.Abort()
}

func (c *receiverPacketCallback) ShouldTimeout() bool {
	br := c.br
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.done
}

// complete marks the receiver done, emits BulkReceivedAll exactly once, and
// wakes anything waiting on WaitDone. prb.HasWholeFile() holds at the
// moment this is called, since it's only reached from that check above.
func (br *BulkReceiver) complete() {
	br.mu.Lock()
	if br.done {
		br.mu.Unlock()
		return
	}
	br.done = true
	br.completed = true
	br.mu.Unlock()
	br.cond.Broadcast()

	if err := br.peer.SendAsync(newBulkReceivedAll(br.uid), nil, br.counter); err != nil {
		logXfer("BulkReceivedAll not delivered for uid=%d: %v", br.uid, err)
	}
}

// Abort gives up locally: flips the PRB to aborted and emits
// BulkReceiveAborted exactly once.
func (br *BulkReceiver) Abort() {
	br.mu.Lock()
	if br.done {
		br.mu.Unlock()
		return
	}
	br.done = true
	br.mu.Unlock()
	br.cond.Broadcast()

	br.prb.Abort()
	if err := br.peer.SendAsync(newBulkReceiveAborted(br.uid), nil, br.counter); err != nil {
		logXfer("BulkReceiveAborted not delivered for uid=%d: %v", br.uid, err)
	}
}

// WaitDone blocks until the receiver reaches a terminal state (completed or
// aborted), or the timeout elapses. It returns true iff the transfer
// completed successfully.
func (br *BulkReceiver) WaitDone(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	br.mu.Lock()
	defer br.mu.Unlock()
	for !br.done {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			br.mu.Lock()
			br.mu.Unlock()
			br.cond.Broadcast()
		})
		br.cond.Wait()
		timer.Stop()
	}
	return br.completed
}

func (br *BulkReceiver) Completed() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.completed
}

func (br *BulkReceiver) Done() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.done
}
