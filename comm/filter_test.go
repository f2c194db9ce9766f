package comm

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

var testTypeX = NewMessageType("TestX", map[string]FieldType{
	"uid": FieldInt64,
})

var testTypeY = NewMessageType("TestY", map[string]FieldType{})

var testTypeZ = NewMessageType("TestZ", map[string]FieldType{})

func TestFilterMatchedIffMessage(t *testing.T) {
	f := Create().SetType(testTypeX).SetNoTimeout()
	assert.Equal(t, f.Matched(), false)
	assert.Equal(t, f.Message() == nil, true)

	msg := NewMessage(testTypeX).Set("uid", int64(7))
	f.SetMessage(msg)
	assert.Equal(t, f.Matched(), true)
	assert.Equal(t, f.Message(), msg)

	f.SetMessage(nil)
	assert.Equal(t, f.Matched(), false)
	assert.Equal(t, f.Message() == nil, true)
}

func TestFilterFieldMatch(t *testing.T) {
	f := Create().SetType(testTypeX).SetField("uid", int64(7)).SetNoTimeout()

	m1 := NewMessage(testTypeX).Set("uid", int64(7))
	assert.Equal(t, f.Match(m1, time.Now()), true)

	m2 := NewMessage(testTypeX).Set("uid", int64(8))
	assert.Equal(t, f.Match(m2, time.Now()), false)

	m3 := NewMessage(testTypeY)
	assert.Equal(t, f.Match(m3, time.Now()), false)
}

func TestFilterSetFieldOverwritesValueKeepsOrder(t *testing.T) {
	f := Create().SetType(testTypeX)
	f.SetField("uid", int64(1))
	f.SetField("uid", int64(2))
	assert.Equal(t, len(f.fieldNames), 1)
	assert.Equal(t, f.fields["uid"], int64(2))
}

func TestFilterIncorrectTypePanics(t *testing.T) {
	f := Create().SetType(testTypeX)
	defer func() {
		r := recover()
		assert.NotEqual(t, r, nil)
		_, ok := r.(*IncorrectTypeError)
		assert.Equal(t, ok, true)
	}()
	f.SetField("uid", "not-an-int64")
}

func TestFilterOrChain(t *testing.T) {
	a := Create().SetType(testTypeX).SetField("uid", int64(7)).SetNoTimeout()
	b := Create().SetType(testTypeY).SetNoTimeout()
	a.Or(b)

	mY := NewMessage(testTypeY)
	assert.Equal(t, a.Match(mY, time.Now()), true)

	mX7 := NewMessage(testTypeX).Set("uid", int64(7))
	mX8 := NewMessage(testTypeX).Set("uid", int64(8))
	assert.Equal(t, a.Match(mX8, time.Now()), false)
	assert.Equal(t, a.Match(mX7, time.Now()), true)
}

func TestFilterOrChainDepthThree(t *testing.T) {
	// A or (B or C): the chain must flatten transitively, not just one level.
	a := Create().SetType(testTypeX).SetField("uid", int64(7)).SetNoTimeout()
	b := Create().SetType(testTypeY).SetNoTimeout()
	c := Create().SetType(testTypeZ).SetNoTimeout()
	b.Or(c)
	a.Or(b)

	mZ := NewMessage(testTypeZ)
	assert.Equal(t, a.Match(mZ, time.Now()), true)

	mY := NewMessage(testTypeY)
	assert.Equal(t, a.Match(mY, time.Now()), true)

	mX7 := NewMessage(testTypeX).Set("uid", int64(7))
	assert.Equal(t, a.Match(mX7, time.Now()), true)

	mX8 := NewMessage(testTypeX).Set("uid", int64(8))
	assert.Equal(t, a.Match(mX8, time.Now()), false)
}

func TestFilterClearMatchedPropagatesAlongOrChain(t *testing.T) {
	a := Create().SetType(testTypeX).SetNoTimeout()
	b := Create().SetType(testTypeY).SetNoTimeout()
	a.Or(b)

	b.SetMessage(NewMessage(testTypeY))
	assert.Equal(t, b.Matched(), true)

	a.ClearMatched()
	assert.Equal(t, a.Matched(), false)
	assert.Equal(t, b.Matched(), false)
}

func TestFilterTimeout(t *testing.T) {
	f := Create().SetType(testTypeX).SetTimeout(10 * time.Millisecond)
	f.onStartWaiting(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, f.TimedOut(time.Now()), true)
}

func TestAnyConnectionsDropped(t *testing.T) {
	peer := newFakePeer()
	f := Create().SetType(testTypeX).SetSource(peer).SetNoTimeout()
	assert.Equal(t, f.AnyConnectionsDropped(), false)

	peer.bootId = 2
	assert.Equal(t, f.AnyConnectionsDropped(), true)

	peer.bootId = 1
	peer.connected = false
	assert.Equal(t, f.AnyConnectionsDropped(), true)
}

func TestAnyConnectionsDroppedFalseOnceMatched(t *testing.T) {
	peer := newFakePeer()
	f := Create().SetType(testTypeX).SetSource(peer).SetNoTimeout()
	f.SetMessage(NewMessage(testTypeX))
	peer.connected = false
	assert.Equal(t, f.AnyConnectionsDropped(), false)
}
