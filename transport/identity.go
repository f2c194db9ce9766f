package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gorilla/websocket"

	"github.com/freenet-go/corexfer/auth"
	"github.com/freenet-go/corexfer/comm"
)

// IdentitySettings, when set on LinkSettings, makes a PeerLink perform a
// mandatory peer-identity handshake right after the underlying connection is
// established: each side issues a signed PeerClaims token announcing its own
// PeerId/BootId and verifies the token it receives back, so BootId()
// reflects a peer-asserted, signature-checked claim instead of an assumed
// constant. Nil disables the handshake and BootId() stays fixed at 1, the
// same as if no identity subsystem existed.
type IdentitySettings struct {
	Issuer   *auth.Issuer
	Verifier *auth.Verifier
	PeerId   comm.PeerId
	BootId   uint64
}

// issueAndVerify sends this side's token via send, then blocks on receive for
// the peer's token and verifies it. Both sides call this the same way
// regardless of who dialed vs accepted, since every transport here is
// full-duplex.
func (s *IdentitySettings) issueAndVerify(send func(string) error, receive func() (string, error)) (uint64, error) {
	tok, err := s.Issuer.Issue(s.PeerId, s.BootId)
	if err != nil {
		return 0, fmt.Errorf("issue peer identity token: %w", err)
	}
	if err := send(tok); err != nil {
		return 0, fmt.Errorf("send peer identity token: %w", err)
	}
	peerTok, err := receive()
	if err != nil {
		return 0, fmt.Errorf("receive peer identity token: %w", err)
	}
	claims, err := s.Verifier.Verify(peerTok)
	if err != nil {
		return 0, fmt.Errorf("verify peer identity token: %w", err)
	}
	return claims.BootId, nil
}

// streamIdentityHandshake runs the token exchange over a raw full-duplex
// byte stream (QUICPeerLink's single long-lived stream), framing each token
// the same length-prefixed way comm.Codec frames already are on that stream.
func streamIdentityHandshake(rw io.ReadWriter, identity *IdentitySettings) (uint64, error) {
	if identity == nil {
		return 1, nil
	}
	return identity.issueAndVerify(
		func(tok string) error { return writeLengthPrefixed(rw, []byte(tok)) },
		func() (string, error) {
			buf, err := readLengthPrefixed(rw)
			return string(buf), err
		},
	)
}

func writeLengthPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// wsIdentityHandshake runs the token exchange as one text frame each way,
// before the websocket connection's normal binary message loop starts.
func wsIdentityHandshake(conn *websocket.Conn, identity *IdentitySettings) (uint64, error) {
	if identity == nil {
		return 1, nil
	}
	return identity.issueAndVerify(
		func(tok string) error { return conn.WriteMessage(websocket.TextMessage, []byte(tok)) },
		func() (string, error) {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return "", err
			}
			if messageType != websocket.TextMessage {
				return "", fmt.Errorf("expected identity handshake text frame, got message type %d", messageType)
			}
			return string(data), nil
		},
	)
}
