package comm

import "time"

// PeerContext is the identity and liveness surface of a connected peer,
// exposed to filters and the bus for restart/disconnect detection.
type PeerContext interface {
	PeerId() PeerId
	BootId() uint64
	IsConnected() bool
	ShortId() string
}

// ByteCounter accounts bytes sent/received for throttling and statistics.
// PeerLink implementations charge every outgoing/incoming message against
// one of these.
type ByteCounter interface {
	AddBytes(n int)
}

// AsyncMessageCallback is the disposition of one outstanding outgoing
// message, used by BulkTransmitter's UnsentPacketTag to track in-flight
// packets without blocking the send loop on each individual ack.
type AsyncMessageCallback interface {
	// Sent is informational; the message has left the local send queue.
	Sent()
	// Acknowledged fires once the remote side is known to have received it,
	// where the underlying transport supports acknowledgement.
	Acknowledged()
	// Disconnected fires if the link died before the message could be
	// delivered.
	Disconnected()
	// FatalError fires on a non-recoverable local send error.
	FatalError()
}

// PeerLink is the whole-message send/receive contract a PeerLink
// implementation (see the transport package) provides to comm and xfer.
// UDP framing, congestion control, and MAC/encryption at the packet layer
// are assumed already handled beneath this interface.
type PeerLink interface {
	PeerContext

	// SendAsync enqueues msg for delivery; callback (if non-nil) is invoked
	// with the outcome. Returns ErrNotConnected if the link has no peer.
	SendAsync(msg *Message, callback AsyncMessageCallback, counter ByteCounter) error

	// SendThrottledMessage blocks until size bytes are admitted by the
	// link's throttle, then enqueues msg. tag (if non-nil) receives the
	// same send-outcome callbacks as SendAsync's callback parameter.
	//
	// Returns ErrNotConnected, ErrPeerRestarted, ErrWaitedTooLong, or
	// ErrSyncSendWaitedTooLong per the error handling design.
	SendThrottledMessage(msg *Message, size int, counter ByteCounter, timeout time.Duration, tag AsyncMessageCallback) error
}
