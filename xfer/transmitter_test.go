package xfer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/freenet-go/corexfer/comm"
	"github.com/freenet-go/corexfer/transport"
	"github.com/freenet-go/corexfer/xfer"
)

// fakePeerLink is a minimal comm.PeerLink whose SendThrottledMessage always
// returns a configured error, for forcing Send's error-disposition branches
// without needing a real fault-injecting link.
type fakePeerLink struct {
	id        comm.PeerId
	bootId    uint64
	connected bool
	sendErr   error
}

func newFakePeerLink(sendErr error) *fakePeerLink {
	return &fakePeerLink{id: comm.NewPeerId(), bootId: 1, connected: true, sendErr: sendErr}
}

func (p *fakePeerLink) PeerId() comm.PeerId { return p.id }
func (p *fakePeerLink) BootId() uint64      { return p.bootId }
func (p *fakePeerLink) IsConnected() bool   { return p.connected }
func (p *fakePeerLink) ShortId() string     { return p.id.String()[:8] }

func (p *fakePeerLink) SendAsync(msg *comm.Message, callback comm.AsyncMessageCallback, counter comm.ByteCounter) error {
	return nil
}

func (p *fakePeerLink) SendThrottledMessage(msg *comm.Message, size int, counter comm.ByteCounter, timeout time.Duration, tag comm.AsyncMessageCallback) error {
	return p.sendErr
}

var _ comm.PeerLink = (*fakePeerLink)(nil)

// pairedLinks wires a sender/receiver loop link pair with a bus on each
// side, matching how a real BulkTransmitter/BulkReceiver pair would be
// driven from two peer processes.
type pairedLinks struct {
	busSender   *comm.MessageBus
	busReceiver *comm.MessageBus
	toReceiver  *transport.LoopPeerLink
	toSender    *transport.LoopPeerLink
}

func newPairedLinks() *pairedLinks {
	busSender := comm.NewMessageBus()
	busReceiver := comm.NewMessageBus()
	toReceiver, toSender := transport.NewLoopPeerLinkPair(busSender, busReceiver, nil)
	return &pairedLinks{
		busSender:   busSender,
		busReceiver: busReceiver,
		toReceiver:  toReceiver,
		toSender:    toSender,
	}
}

func (p *pairedLinks) Close() {
	p.busSender.Close()
	p.busReceiver.Close()
}

func TestHappyPathThreeBlocks(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	blocks := [][]byte{{1}, {2}, {3}}
	prbSender := xfer.NewFullyReceivedBulk(1, blocks)
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(1), false, counter, nil)
	assert.Equal(t, err, nil)

	prbReceiver := xfer.NewPartiallyReceivedBulk(1, 3)
	br, err := xfer.NewBulkReceiver(prbReceiver, p.toSender, p.busReceiver, xfer.TransferId(1), counter, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan bool, 1)
	go func() { result <- bt.Send(ctx) }()

	select {
	case ok := <-result:
		assert.Equal(t, ok, true)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}

	assert.Equal(t, br.WaitDone(2*time.Second), true)
	assert.Equal(t, bt.Finished(), true)
	assert.Equal(t, bt.Cancelled(), false)
	assert.Equal(t, prbReceiver.HasWholeFile(), true)
	for i, b := range blocks {
		assert.Equal(t, prbReceiver.GetBlockData(uint32(i)), b)
	}
}

func TestStreamedArrival(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	prbSender := NewPRBWithFirstBlock(t, 1, 3, []byte{1})
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(2), false, counter, nil)
	assert.Equal(t, err, nil)

	prbReceiver := xfer.NewPartiallyReceivedBulk(1, 3)
	br, err := xfer.NewBulkReceiver(prbReceiver, p.toSender, p.busReceiver, xfer.TransferId(2), counter, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result := make(chan bool, 1)
	go func() { result <- bt.Send(ctx) }()

	time.Sleep(100 * time.Millisecond)
	prbSender.BlockReceived(1, []byte{2})
	time.Sleep(100 * time.Millisecond)
	prbSender.BlockReceived(2, []byte{3})

	select {
	case ok := <-result:
		assert.Equal(t, ok, true)
	case <-time.After(3 * time.Second):
		t.Fatal("send did not complete")
	}
	assert.Equal(t, br.WaitDone(2*time.Second), true)
}

// NewPRBWithFirstBlock builds a PRB of totalBlocks where only block 0 is
// present at construction, for the streamed-arrival scenario.
func NewPRBWithFirstBlock(t *testing.T, blockSize, totalBlocks uint32, first []byte) *xfer.PartiallyReceivedBulk {
	t.Helper()
	prb := xfer.NewPartiallyReceivedBulk(blockSize, totalBlocks)
	prb.BlockReceived(0, first)
	return prb
}

func TestPeerRestartMidTransfer(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	blocks := [][]byte{{1}, {2}, {3}}
	prbSender := xfer.NewFullyReceivedBulk(1, blocks)
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(3), false, counter, nil)
	assert.Equal(t, err, nil)

	// Restart the receiver as observed by the sender's link, right away --
	// the send loop must detect this on its very next decision point.
	p.toReceiver.SimulateRestart()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok := bt.Send(ctx)
	assert.Equal(t, ok, false)
	assert.Equal(t, bt.Cancelled(), true)
	assert.Equal(t, bt.Finished(), false)
}

func TestRemoteAbort(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	blocks := [][]byte{{1}, {2}, {3}}
	prbSender := xfer.NewFullyReceivedBulk(1, blocks)
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(4), false, counter, nil)
	assert.Equal(t, err, nil)

	prbReceiver := xfer.NewPartiallyReceivedBulk(1, 3)
	br, err := xfer.NewBulkReceiver(prbReceiver, p.toSender, p.busReceiver, xfer.TransferId(4), counter, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan bool, 1)
	go func() { result <- bt.Send(ctx) }()

	time.Sleep(50 * time.Millisecond)
	br.Abort()

	select {
	case ok := <-result:
		assert.Equal(t, ok, false)
		assert.Equal(t, bt.Cancelled(), true)
		assert.Equal(t, bt.CancelReason(), "remote abort")
	case <-time.After(2 * time.Second):
		t.Fatal("send did not observe remote abort")
	}
}

func TestFilterOrChainIndependentOfTransfer(t *testing.T) {
	// Scenario 6 belongs conceptually to comm, exercised again here against
	// real BulkPacketSend/BulkReceivedAll types to show the or-chain works
	// against this package's wire types too.
	a := comm.Create().SetType(xfer.BulkPacketSend).SetField("uid", int64(7)).SetNoTimeout()
	b := comm.Create().SetType(xfer.BulkReceivedAll).SetNoTimeout()
	f := a.Or(b)

	mY := comm.NewMessage(xfer.BulkReceivedAll)
	assert.Equal(t, f.Match(mY, time.Now()), true)
	f.ClearMatched()

	mX7 := comm.NewMessage(xfer.BulkPacketSend).Set("uid", int64(7)).Set("blockNo", int32(0)).Set("bytes", []byte{})
	assert.Equal(t, f.Match(mX7, time.Now()), true)

	mX8 := comm.NewMessage(xfer.BulkPacketSend).Set("uid", int64(8)).Set("blockNo", int32(0)).Set("bytes", []byte{})
	assert.Equal(t, f.Match(mX8, time.Now()), false)
}

func TestEmptyFileNoWaitCompletesImmediately(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	prbSender := xfer.NewFullyReceivedBulk(1, nil)
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(5), true, counter, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok := bt.Send(ctx)
	assert.Equal(t, ok, true)
	assert.Equal(t, bt.Finished(), true)
}

func TestConstructionFailsWhenPeerDisconnected(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()
	p.toReceiver.SimulateDisconnect()

	prbSender := xfer.NewFullyReceivedBulk(1, [][]byte{{1}})
	counter := xfer.NewThrottle(1<<30, 1<<30)

	_, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(6), false, counter, nil)
	assert.Equal(t, err, xfer.ErrDisconnected)
}

func TestManySmallBlocksBlockSizeOne(t *testing.T) {
	// Boundary case: blockSize=1, enough blocks that the send loop runs
	// many send iterations back to back, with many packets in flight to the
	// receiver at once, rather than completing in a couple of iterations.
	p := newPairedLinks()
	defer p.Close()

	const totalBlocks = 64
	blocks := make([][]byte, totalBlocks)
	for i := range blocks {
		blocks[i] = []byte{byte(i)}
	}
	prbSender := xfer.NewFullyReceivedBulk(1, blocks)
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(8), false, counter, nil)
	assert.Equal(t, err, nil)

	prbReceiver := xfer.NewPartiallyReceivedBulk(1, totalBlocks)
	br, err := xfer.NewBulkReceiver(prbReceiver, p.toSender, p.busReceiver, xfer.TransferId(8), counter, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok := bt.Send(ctx)
	assert.Equal(t, ok, true)
	assert.Equal(t, br.WaitDone(2*time.Second), true)
	assert.Equal(t, prbReceiver.HasWholeFile(), true)
	for i, b := range blocks {
		assert.Equal(t, prbReceiver.GetBlockData(uint32(i)), b)
	}
}

func TestHappyPathWithMatchingPacketAuthenticators(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	var key [32]byte
	copy(key[:], "shared authenticator key value!")
	authenticator := xfer.NewPacketAuthenticator(key)

	blocks := [][]byte{{1}, {2}, {3}}
	prbSender := xfer.NewFullyReceivedBulk(1, blocks)
	counter := xfer.NewThrottle(1<<30, 1<<30)

	txSettings := xfer.DefaultTransmitterSettings()
	txSettings.Authenticator = authenticator
	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(9), false, counter, txSettings)
	assert.Equal(t, err, nil)

	prbReceiver := xfer.NewPartiallyReceivedBulk(1, 3)
	rxSettings := xfer.DefaultReceiverSettings()
	rxSettings.Authenticator = authenticator
	br, err := xfer.NewBulkReceiver(prbReceiver, p.toSender, p.busReceiver, xfer.TransferId(9), counter, rxSettings)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan bool, 1)
	go func() { result <- bt.Send(ctx) }()

	select {
	case ok := <-result:
		assert.Equal(t, ok, true)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}

	assert.Equal(t, br.WaitDone(2*time.Second), true)
	assert.Equal(t, prbReceiver.HasWholeFile(), true)
	for i, b := range blocks {
		assert.Equal(t, prbReceiver.GetBlockData(uint32(i)), b)
	}
}

func TestMismatchedPacketAuthenticatorKeysDropBlocks(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	var senderKey, receiverKey [32]byte
	copy(senderKey[:], "sender's authenticator key!!!!!")
	copy(receiverKey[:], "a completely different key.....")

	blocks := [][]byte{{1}}
	prbSender := xfer.NewFullyReceivedBulk(1, blocks)
	counter := xfer.NewThrottle(1<<30, 1<<30)

	txSettings := xfer.DefaultTransmitterSettings()
	txSettings.Authenticator = xfer.NewPacketAuthenticator(senderKey)
	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(10), false, counter, txSettings)
	assert.Equal(t, err, nil)

	prbReceiver := xfer.NewPartiallyReceivedBulk(1, 1)
	rxSettings := xfer.DefaultReceiverSettings()
	rxSettings.Authenticator = xfer.NewPacketAuthenticator(receiverKey)
	br, err := xfer.NewBulkReceiver(prbReceiver, p.toSender, p.busReceiver, xfer.TransferId(10), counter, rxSettings)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go bt.Send(ctx)

	// The block is sent and not rejected by the sender, but the receiver's
	// mismatched key means it never calls BlockReceived -- the file never
	// completes, and the receiver is still waiting when the window closes.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, prbReceiver.HasWholeFile(), false)
	assert.Equal(t, br.Done(), false)
}

func TestIdleTimeoutCancelsAfterConfiguredBound(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	blocks := [][]byte{{1}, {2}}
	prbSender := xfer.NewFullyReceivedBulk(1, blocks[:1])
	counter := xfer.NewThrottle(1<<30, 1<<30)

	settings := xfer.DefaultTransmitterSettings()
	settings.Timeout = 50 * time.Millisecond
	settings.IdlePollInterval = 10 * time.Millisecond

	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(7), false, counter, settings)
	assert.Equal(t, err, nil)

	// No receiver is attached, so block 0 is sent and then nothing ever
	// acknowledges BulkReceivedAll; the transmitter must time out.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok := bt.Send(ctx)
	assert.Equal(t, ok, false)
	assert.Equal(t, bt.Cancelled(), true)
	assert.Equal(t, bt.CancelReason(), "Timeout awaiting BulkReceivedAll")
}

// The following cover Send's five terminal paths that return false without
// going through Cancel/completed: every one of them must still remove the
// transmitter from the PRB's subscriber set (spec.md §5's "every terminal
// path" rule), mirroring prb_test.go's TestPRBRemoveStopsFanout pattern.

func TestPRBAbortedBeforeSendRemovesSubscriber(t *testing.T) {
	p := newPairedLinks()
	defer p.Close()

	prbSender := xfer.NewFullyReceivedBulk(1, [][]byte{{1}})
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(20), false, counter, nil)
	assert.Equal(t, err, nil)

	prbSender.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := bt.Send(ctx)
	assert.Equal(t, ok, false)
	assert.Equal(t, prbSender.SubscriberCount(), 0)
}

func TestConcurrentAbortDuringSendRemovesSubscriber(t *testing.T) {
	// Races prb.Abort() against the send loop so that, across enough
	// iterations, the loop's own "aborted?" check at the top and the
	// GetBlockData-returns-nil race further down (a concurrent abort landing
	// between blockNo selection and the data fetch) both get exercised.
	// Either way Send must still remove bt from the PRB's subscribers.
	for i := 0; i < 50; i++ {
		p := newPairedLinks()

		prbSender := xfer.NewFullyReceivedBulk(1, [][]byte{{1}, {2}, {3}})
		counter := xfer.NewThrottle(1<<30, 1<<30)

		bt, err := xfer.NewBulkTransmitter(prbSender, p.toReceiver, p.busSender, xfer.TransferId(21+i), false, counter, nil)
		assert.Equal(t, err, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		go prbSender.Abort()
		ok := bt.Send(ctx)
		cancel()

		assert.Equal(t, ok, false)
		assert.Equal(t, prbSender.SubscriberCount(), 0)
		p.Close()
	}
}

func TestWaitedTooLongRemovesSubscriber(t *testing.T) {
	busSender := comm.NewMessageBus()
	defer busSender.Close()
	peer := newFakePeerLink(xfer.ErrWaitedTooLong)

	prbSender := xfer.NewFullyReceivedBulk(1, [][]byte{{1}})
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, peer, busSender, xfer.TransferId(100), false, counter, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := bt.Send(ctx)
	assert.Equal(t, ok, false)
	assert.Equal(t, prbSender.SubscriberCount(), 0)
}

func TestSyncSendWaitedTooLongRemovesSubscriber(t *testing.T) {
	busSender := comm.NewMessageBus()
	defer busSender.Close()
	peer := newFakePeerLink(xfer.ErrSyncSendWaitedTooLong)

	prbSender := xfer.NewFullyReceivedBulk(1, [][]byte{{1}})
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, peer, busSender, xfer.TransferId(101), false, counter, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := bt.Send(ctx)
	assert.Equal(t, ok, false)
	assert.Equal(t, prbSender.SubscriberCount(), 0)
}

func TestUnrecognizedSendErrorRemovesSubscriber(t *testing.T) {
	busSender := comm.NewMessageBus()
	defer busSender.Close()
	peer := newFakePeerLink(errors.New("transport exploded"))

	prbSender := xfer.NewFullyReceivedBulk(1, [][]byte{{1}})
	counter := xfer.NewThrottle(1<<30, 1<<30)

	bt, err := xfer.NewBulkTransmitter(prbSender, peer, busSender, xfer.TransferId(102), false, counter, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := bt.Send(ctx)
	assert.Equal(t, ok, false)
	assert.Equal(t, prbSender.SubscriberCount(), 0)
}
