package xfer

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// PacketAuthenticator computes a keyed application-layer integrity tag over
// a BulkPacketSend's payload. This is deliberately not the CHK/SSK block
// verification, which is out of scope here -- it authenticates the
// transport-level packet (uid, blockNo, bytes) between two peers that
// already share a session key, the same role frame.go's message HMAC check
// plays there.
type PacketAuthenticator struct {
	key [32]byte
}

func NewPacketAuthenticator(key [32]byte) *PacketAuthenticator {
	return &PacketAuthenticator{key: key}
}

const macSize = 32

// Tag returns a 32-byte keyed hash over uid, blockNo, and data.
func (a *PacketAuthenticator) Tag(uid TransferId, blockNo uint32, data []byte) []byte {
	h, _ := blake2b.New256(a.key[:])
	var hdr [12]byte
	putUint64(hdr[0:8], uint64(uid))
	putUint32(hdr[8:12], blockNo)
	h.Write(hdr[:])
	h.Write(data)
	return h.Sum(nil)
}

// Verify reports whether tag is the correct authenticator for uid/blockNo/data,
// in constant time.
func (a *PacketAuthenticator) Verify(uid TransferId, blockNo uint32, data, tag []byte) bool {
	expected := a.Tag(uid, blockNo, data)
	return len(tag) == macSize && subtle.ConstantTimeCompare(expected, tag) == 1
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (24 - 8*i))
	}
}
