package transport

import "time"

// LinkSettings holds the timing constants shared by every PeerLink
// implementation in this package, following the same shape as
// PlatformTransportSettings (connect/transport.go).
type LinkSettings struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration

	// SendBuffer is an outgoing queue depth per peer. No PeerLink in this
	// package reads it; their SendAsync never blocks on a queue.
	SendBuffer int

	// ByteRate and ByteBurst configure the throttle every *PeerLink uses
	// to admit SendThrottledMessage calls.
	ByteRate  float64
	ByteBurst int

	// Identity, when set, makes QUICPeerLink/WSPeerLink perform a signed
	// peer-identity handshake right after connecting and populate BootId()
	// from the peer's verified claim instead of the constant 1.
	Identity *IdentitySettings
}

func DefaultLinkSettings() *LinkSettings {
	return &LinkSettings{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingInterval:     1 * time.Second,
		SendBuffer:       64,
		ByteRate:         4 << 20,
		ByteBurst:        1 << 20,
	}
}
