package xfer

import "sync"

// BlockSubscriber is notified of PRB state changes. BulkTransmitter
// implements it; the set is a weak-reference style
// registry by design -- a subscriber that no longer cares calls Remove and
// is dropped, breaking the PRB<->subscriber cycle explicitly rather than
// relying on a GC-visible weak pointer.
type BlockSubscriber interface {
	onBlockReceived(block uint32)
	onAborted()
}

// PartiallyReceivedBulk is the block buffer shared by every party sending or
// receiving one file: a PRB may be subscribed to by several BulkTransmitters
// (the same file pushed to different peers); a BulkReceiver writes into it
// without subscribing.
//
// Invariant held by Add/CloneBlocksReceived: a subscriber added between a
// clone of the presence bitmap and the fan-out of a subsequent BlockReceived
// call sees exactly one of (a) the bit already set in its clone, or (b) the
// onBlockReceived callback for that block -- never both, never neither.
// This holds because both operations take prb.mu for their entire
// clone-then-add / set-then-snapshot-subscribers sequence; the fan-out
// itself runs after prb.mu is released.
type PartiallyReceivedBulk struct {
	mu sync.Mutex

	BlockSize   uint32
	TotalBlocks uint32

	present *PresenceBitmap
	data    [][]byte

	aborted     bool
	subscribers map[BlockSubscriber]struct{}
}

func NewPartiallyReceivedBulk(blockSize, totalBlocks uint32) *PartiallyReceivedBulk {
	return &PartiallyReceivedBulk{
		BlockSize:   blockSize,
		TotalBlocks: totalBlocks,
		present:     NewPresenceBitmap(totalBlocks),
		data:        make([][]byte, totalBlocks),
		subscribers: map[BlockSubscriber]struct{}{},
	}
}

// NewFullyReceivedBulk wraps a complete, already-assembled file, with every
// presence bit set -- the sender's usual starting point when it has the
// whole file at the outset.
func NewFullyReceivedBulk(blockSize uint32, blocks [][]byte) *PartiallyReceivedBulk {
	prb := NewPartiallyReceivedBulk(blockSize, uint32(len(blocks)))
	for i, b := range blocks {
		prb.data[i] = b
		prb.present.Set(uint32(i), true)
	}
	return prb
}

// Add registers subscriber under the PRB lock.
func (prb *PartiallyReceivedBulk) Add(subscriber BlockSubscriber) {
	prb.mu.Lock()
	defer prb.mu.Unlock()
	prb.subscribers[subscriber] = struct{}{}
}

// Remove unregisters subscriber. Every BulkTransmitter calls
// this on every terminal path (success, cancel, exception) so the PRB's
// subscriber set (and therefore its buffer, once empty) can be reclaimed.
func (prb *PartiallyReceivedBulk) Remove(subscriber BlockSubscriber) {
	prb.mu.Lock()
	defer prb.mu.Unlock()
	delete(prb.subscribers, subscriber)
}

func (prb *PartiallyReceivedBulk) SubscriberCount() int {
	prb.mu.Lock()
	defer prb.mu.Unlock()
	return len(prb.subscribers)
}

// CloneBlocksReceived snapshots the presence bitmap. Callers that also need
// to Add themselves as a subscriber of the same snapshot must do so while
// still holding the PRB lock -- see WithLock.
func (prb *PartiallyReceivedBulk) CloneBlocksReceived() *PresenceBitmap {
	prb.mu.Lock()
	defer prb.mu.Unlock()
	return prb.present.Clone()
}

// WithLock runs fn with the PRB lock held, giving a constructor the chance
// to clone the presence bitmap and Add itself as a subscriber atomically
// (the clone-and-subscribe invariant described on PartiallyReceivedBulk).
func (prb *PartiallyReceivedBulk) WithLock(fn func()) {
	prb.mu.Lock()
	defer prb.mu.Unlock()
	fn()
}

// CloneBlocksReceivedLocked and AddLocked are the lock-held primitives
// WithLock callbacks use; they assume prb.mu is already held.
func (prb *PartiallyReceivedBulk) CloneBlocksReceivedLocked() *PresenceBitmap {
	return prb.present.Clone()
}

func (prb *PartiallyReceivedBulk) AddLocked(subscriber BlockSubscriber) {
	prb.subscribers[subscriber] = struct{}{}
}

// BlockReceived writes block's bytes, marks it present, and fans out
// onBlockReceived to every subscriber.
//
// The write and the subscriber snapshot happen under the PRB lock, but the
// fan-out itself runs unlocked: the snapshot is what the clone-and-subscribe
// invariant above actually needs atomic with the write, not the callback
// invocations, and releasing the lock before calling into a subscriber
// avoids holding it across a BulkTransmitter/BulkReceiver callback at all.
// Subscribers still must not re-enter this PRB from onBlockReceived.
func (prb *PartiallyReceivedBulk) BlockReceived(block uint32, bytes []byte) {
	prb.mu.Lock()
	if prb.aborted {
		prb.mu.Unlock()
		return
	}
	buf := make([]byte, len(bytes))
	copy(buf, bytes)
	prb.data[block] = buf
	prb.present.Set(block, true)
	subs := make([]BlockSubscriber, 0, len(prb.subscribers))
	for s := range prb.subscribers {
		subs = append(subs, s)
	}
	prb.mu.Unlock()

	for _, s := range subs {
		s.onBlockReceived(block)
	}
}

// Abort marks the PRB aborted and fans out onAborted, unlocked, the same way
// BlockReceived does -- see its comment on why.
func (prb *PartiallyReceivedBulk) Abort() {
	prb.mu.Lock()
	if prb.aborted {
		prb.mu.Unlock()
		return
	}
	prb.aborted = true
	subs := make([]BlockSubscriber, 0, len(prb.subscribers))
	for s := range prb.subscribers {
		subs = append(subs, s)
	}
	prb.mu.Unlock()

	for _, s := range subs {
		s.onAborted()
	}
}

func (prb *PartiallyReceivedBulk) IsAborted() bool {
	prb.mu.Lock()
	defer prb.mu.Unlock()
	return prb.aborted
}

// GetBlockData returns block's bytes, or nil if the PRB is aborted or the
// block is not yet present.
func (prb *PartiallyReceivedBulk) GetBlockData(block uint32) []byte {
	prb.mu.Lock()
	defer prb.mu.Unlock()
	if prb.aborted {
		return nil
	}
	if !prb.present.Test(block) {
		return nil
	}
	return prb.data[block]
}

func (prb *PartiallyReceivedBulk) HasWholeFile() bool {
	prb.mu.Lock()
	defer prb.mu.Unlock()
	return prb.present.All()
}
