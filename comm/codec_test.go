package comm

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

var testTypeCodec = NewMessageType("TestCodec", map[string]FieldType{
	"uid":   FieldInt64,
	"blob":  FieldBytes,
	"label": FieldString,
})

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(testTypeCodec)

	msg := NewMessage(testTypeCodec)
	msg.BootId = 42
	msg.Set("uid", int64(123456789))
	msg.Set("blob", []byte{1, 2, 3, 4, 5})
	msg.Set("label", "hello")

	encoded, err := codec.Encode(msg)
	assert.Equal(t, err, nil)

	decoded, err := codec.Decode(encoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Type, testTypeCodec)
	assert.Equal(t, decoded.BootId, uint64(42))
	assert.Equal(t, decoded.GetInt64("uid"), int64(123456789))
	assert.Equal(t, decoded.GetBytes("blob"), []byte{1, 2, 3, 4, 5})
	assert.Equal(t, decoded.GetString("label"), "hello")
}

func TestCodecUnknownTypeOnWire(t *testing.T) {
	src := NewCodec(testTypeCodec)
	dst := NewCodec()

	msg := NewMessage(testTypeCodec)
	encoded, err := src.Encode(msg)
	assert.Equal(t, err, nil)

	_, err = dst.Decode(encoded)
	assert.NotEqual(t, err, nil)
}
