package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/freenet-go/corexfer/comm"
	"github.com/freenet-go/corexfer/xfer"
)

// WSPeerLink is a relay/fallback PeerLink over a gorilla/websocket
// connection: the ping-keepalive loop follows PlatformTransport's shape
// (connect/transport.go), without its reconnect loop, generalized from a
// client/platform connection to a generic peer link carrying comm.Message
// frames instead of raw routed IP packet bytes.
type WSPeerLink struct {
	peerId comm.PeerId

	codec *comm.Codec
	bus   *comm.MessageBus

	settings *LinkSettings
	throttle *xfer.Throttle

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	bootId    uint64

	writeMu sync.Mutex
}

// DialWSPeerLink dials url, starts the read/ping loop, and dispatches
// decoded messages to bus until the connection drops or ctx is cancelled.
// Unlike PlatformTransport, this does not auto-reconnect: a
// dropped WSPeerLink reports IsConnected()==false and the caller decides
// whether to dial a fresh one (ResilientPeerLink instead switches to its
// other, already-open link).
func DialWSPeerLink(ctx context.Context, url string, header http.Header, bus *comm.MessageBus, codec *comm.Codec, settings *LinkSettings) (*WSPeerLink, error) {
	if settings == nil {
		settings = DefaultLinkSettings()
	}
	dialer := &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return newWSPeerLink(ctx, conn, bus, codec, settings)
}

// NewWSPeerLinkFromConn wraps a server-accepted websocket connection.
func NewWSPeerLinkFromConn(ctx context.Context, conn *websocket.Conn, bus *comm.MessageBus, codec *comm.Codec, settings *LinkSettings) (*WSPeerLink, error) {
	if settings == nil {
		settings = DefaultLinkSettings()
	}
	return newWSPeerLink(ctx, conn, bus, codec, settings)
}

func newWSPeerLink(ctx context.Context, conn *websocket.Conn, bus *comm.MessageBus, codec *comm.Codec, settings *LinkSettings) (*WSPeerLink, error) {
	bootId, err := wsIdentityHandshake(conn, settings.Identity)
	if err != nil {
		conn.Close()
		return nil, err
	}

	linkCtx, cancel := context.WithCancel(ctx)
	l := &WSPeerLink{
		peerId:    comm.NewPeerId(),
		codec:     codec,
		bus:       bus,
		settings:  settings,
		throttle:  xfer.NewThrottle(settings.ByteRate, settings.ByteBurst),
		ctx:       linkCtx,
		cancel:    cancel,
		conn:      conn,
		connected: true,
		bootId:    bootId,
	}
	go l.readLoop()
	go l.pingLoop()
	return l, nil
}

func (l *WSPeerLink) readLoop() {
	defer l.markDisconnected()
	for {
		l.conn.SetReadDeadline(time.Now().Add(l.settings.ReadTimeout))
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			logTransport("ws read error for %s: %v", l.ShortId(), err)
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue // ping frame: 0-length-message keepalive convention
		}
		msg, err := l.codec.Decode(data)
		if err != nil {
			logTransport("ws decode error for %s: %v", l.ShortId(), err)
			continue
		}
		msg.Source = l
		msg.BootId = l.BootId()
		l.bus.Dispatch(msg)
	}
}

func (l *WSPeerLink) pingLoop() {
	ticker := time.NewTicker(l.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.writeRaw(websocket.BinaryMessage, nil); err != nil {
				l.markDisconnected()
				return
			}
		}
	}
}

func (l *WSPeerLink) writeRaw(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(l.settings.WriteTimeout))
	return l.conn.WriteMessage(messageType, data)
}

func (l *WSPeerLink) markDisconnected() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	l.mu.Unlock()
	l.cancel()
	l.conn.Close()
}

func (l *WSPeerLink) PeerId() comm.PeerId { return l.peerId }

func (l *WSPeerLink) BootId() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bootId
}

func (l *WSPeerLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *WSPeerLink) ShortId() string { return l.peerId.String()[:8] }

func (l *WSPeerLink) SendAsync(msg *comm.Message, callback comm.AsyncMessageCallback, counter comm.ByteCounter) error {
	if !l.IsConnected() {
		if callback != nil {
			callback.Disconnected()
		}
		return comm.ErrNotConnected
	}
	payload, err := l.codec.Encode(msg)
	if err != nil {
		if callback != nil {
			callback.FatalError()
		}
		return err
	}
	go func() {
		err := l.writeRaw(websocket.BinaryMessage, payload)
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

func (l *WSPeerLink) SendThrottledMessage(msg *comm.Message, size int, counter comm.ByteCounter, timeout time.Duration, tag comm.AsyncMessageCallback) error {
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

func (l *WSPeerLink) Close() error {
	l.markDisconnected()
	return nil
}

var _ comm.PeerLink = (*WSPeerLink)(nil)

// ListenWS starts an HTTP server upgrading every connection to a
// WSPeerLink dispatching into bus, handing each new link to accept. maxConns
// bounds concurrent listener connections via golang.org/x/net/netutil,
// following the same per-port rate-limiting intent as
// connect/net_extender_server.go.
func ListenWS(ctx context.Context, addr string, maxConns int, bus *comm.MessageBus, codec *comm.Codec, settings *LinkSettings, accept func(*WSPeerLink)) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		link, err := NewWSPeerLinkFromConn(ctx, conn, bus, codec, settings)
		if err != nil {
			logTransport("ws identity handshake failed: %v", err)
			return
		}
		accept(link)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return srv, nil
}
