package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/freenet-go/corexfer/comm"
	"github.com/freenet-go/corexfer/xfer"
)

var logTransport = comm.LogFn(comm.LogLevelDebug, "transport")

// QUICPeerLink is the primary direct PeerLink: one quic.Connection per peer,
// with all messages for that peer multiplexed over a single long-lived
// bidirectional stream pair rather than one stream per message -- a UDP
// small-message protocol doesn't want the per-message stream-open cost a
// one-shot request/response QUIC usage implies. Follows the same
// quic.DialAddr/OpenStream usage as connect/net_extender.go, generalized
// from one-shot extender tunneling to a long-lived peer link.
type QUICPeerLink struct {
	peerId comm.PeerId

	codec *comm.Codec
	bus   *comm.MessageBus

	throttle *xfer.Throttle

	mu        sync.Mutex
	conn      quic.Connection
	stream    quic.Stream
	connected bool
	bootId    uint64

	writeMu sync.Mutex
}

// DialQUICPeerLink opens a QUIC connection to addr and starts its receive
// loop, dispatching decoded messages to bus.
func DialQUICPeerLink(ctx context.Context, addr string, tlsConfig *tls.Config, bus *comm.MessageBus, codec *comm.Codec, settings *LinkSettings) (*QUICPeerLink, error) {
	if settings == nil {
		settings = DefaultLinkSettings()
	}
	dialCtx, cancel := context.WithTimeout(ctx, settings.ConnectTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, tlsConfig, &quic.Config{})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	bootId, err := streamIdentityHandshake(stream, settings.Identity)
	if err != nil {
		stream.Close()
		conn.CloseWithError(0, "identity handshake failed")
		return nil, err
	}
	return newQUICPeerLink(conn, stream, bus, codec, settings, bootId), nil
}

// AcceptQUICPeerLink wraps a server-accepted quic.Connection as a PeerLink,
// accepting the peer's single long-lived stream.
func AcceptQUICPeerLink(ctx context.Context, conn quic.Connection, bus *comm.MessageBus, codec *comm.Codec, settings *LinkSettings) (*QUICPeerLink, error) {
	if settings == nil {
		settings = DefaultLinkSettings()
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	bootId, err := streamIdentityHandshake(stream, settings.Identity)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return newQUICPeerLink(conn, stream, bus, codec, settings, bootId), nil
}

func newQUICPeerLink(conn quic.Connection, stream quic.Stream, bus *comm.MessageBus, codec *comm.Codec, settings *LinkSettings, bootId uint64) *QUICPeerLink {
	l := &QUICPeerLink{
		peerId:    comm.NewPeerId(),
		codec:     codec,
		bus:       bus,
		throttle:  xfer.NewThrottle(settings.ByteRate, settings.ByteBurst),
		conn:      conn,
		stream:    stream,
		connected: true,
		bootId:    bootId,
	}
	go l.receiveLoop()
	return l
}

func (l *QUICPeerLink) receiveLoop() {
	defer l.markDisconnected()
	for {
		msg, err := l.readMessage()
		if err != nil {
			if err != io.EOF {
				logTransport("quic receive error for %s: %v", l.ShortId(), err)
			}
			return
		}
		msg.Source = l
		msg.BootId = l.BootId()
		l.bus.Dispatch(msg)
	}
}

func (l *QUICPeerLink) readMessage() (*comm.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(l.stream, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.stream, buf); err != nil {
		return nil, err
	}
	return l.codec.Decode(buf)
}

func (l *QUICPeerLink) writeMessage(msg *comm.Message) error {
	payload, err := l.codec.Encode(msg)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = l.stream.Write(payload)
	return err
}

func (l *QUICPeerLink) markDisconnected() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

func (l *QUICPeerLink) PeerId() comm.PeerId { return l.peerId }

func (l *QUICPeerLink) BootId() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bootId
}

func (l *QUICPeerLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *QUICPeerLink) ShortId() string { return l.peerId.String()[:8] }

func (l *QUICPeerLink) SendAsync(msg *comm.Message, callback comm.AsyncMessageCallback, counter comm.ByteCounter) error {
	if !l.IsConnected() {
		if callback != nil {
			callback.Disconnected()
		}
		return comm.ErrNotConnected
	}
	go func() {
		err := l.writeMessage(msg)
		if callback == nil {
			return
		}
		callback.Sent()
		if err != nil {
			l.markDisconnected()
			callback.Disconnected()
			return
		}
		callback.Acknowledged()
	}()
	return nil
}

func (l *QUICPeerLink) SendThrottledMessage(msg *comm.Message, size int, counter comm.ByteCounter, timeout time.Duration, tag comm.AsyncMessageCallback) error {
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
	return l.SendAsync(msg, tag, counter)
}

// Close closes the underlying stream and connection.
func (l *QUICPeerLink) Close() error {
	l.markDisconnected()
	l.stream.Close()
	return l.conn.CloseWithError(0, "closed")
}

var _ comm.PeerLink = (*QUICPeerLink)(nil)
