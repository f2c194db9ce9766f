package xfer

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPacketAuthenticatorTagVerifyRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], "a sample 32 byte shared key!!!!")
	auth := NewPacketAuthenticator(key)

	data := []byte("block payload")
	tag := auth.Tag(TransferId(7), 3, data)

	assert.Equal(t, len(tag), macSize)
	assert.Equal(t, auth.Verify(TransferId(7), 3, data, tag), true)
}

func TestPacketAuthenticatorRejectsTamperedInputs(t *testing.T) {
	var key [32]byte
	copy(key[:], "a sample 32 byte shared key!!!!")
	auth := NewPacketAuthenticator(key)

	data := []byte("block payload")
	tag := auth.Tag(TransferId(7), 3, data)

	assert.Equal(t, auth.Verify(TransferId(8), 3, data, tag), false)
	assert.Equal(t, auth.Verify(TransferId(7), 4, data, tag), false)
	assert.Equal(t, auth.Verify(TransferId(7), 3, []byte("tampered!!!!!"), tag), false)

	var otherKey [32]byte
	copy(otherKey[:], "a different 32 byte shared key!")
	other := NewPacketAuthenticator(otherKey)
	assert.Equal(t, other.Verify(TransferId(7), 3, data, tag), false)
}

func TestPacketAuthenticatorRejectsWrongLengthTag(t *testing.T) {
	var key [32]byte
	copy(key[:], "a sample 32 byte shared key!!!!")
	auth := NewPacketAuthenticator(key)

	assert.Equal(t, auth.Verify(TransferId(1), 0, []byte{1, 2, 3}, []byte("too short")), false)
}
