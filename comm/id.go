package comm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// PeerId identifies a node. It is a ulid, so ids sort by creation time.
type PeerId [16]byte

func NewPeerId() PeerId {
	return PeerId(ulid.Make())
}

func PeerIdFromBytes(b []byte) (PeerId, error) {
	if len(b) != 16 {
		return PeerId{}, errors.New("peer id must be 16 bytes")
	}
	return PeerId(b), nil
}

func RequirePeerIdFromBytes(b []byte) PeerId {
	id, err := PeerIdFromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}

func (self PeerId) Bytes() []byte {
	return self[0:16]
}

// String renders a PeerId in the same Crockford base32 layout NewPeerId's
// underlying ulid.Make produced it in, rather than reformatting it as a
// dashed hex string.
func (self PeerId) String() string {
	return ulid.ULID(self).String()
}

func (self PeerId) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('"')
	buf.WriteString(self.String())
	buf.WriteByte('"')
	return buf.Bytes(), nil
}

func (self *PeerId) UnmarshalJSON(src []byte) error {
	if len(src) < 2 {
		return fmt.Errorf("invalid length for peer id: %d", len(src))
	}
	id, err := ParsePeerId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// ParsePeerId parses a peer id's canonical ulid string form, as produced by
// PeerId.String.
func ParsePeerId(src string) (PeerId, error) {
	id, err := ulid.ParseStrict(src)
	if err != nil {
		return PeerId{}, fmt.Errorf("cannot parse peer id %q: %w", src, err)
	}
	return PeerId(id), nil
}
