package xfer

import (
	"errors"

	"github.com/freenet-go/corexfer/comm"
)

// Re-exported so callers of this package don't need to import comm just to
// check dispositions that originate from the PeerLink contract.
var (
	ErrNotConnected          = comm.ErrNotConnected
	ErrPeerRestarted         = comm.ErrPeerRestarted
	ErrWaitedTooLong         = comm.ErrWaitedTooLong
	ErrSyncSendWaitedTooLong = comm.ErrSyncSendWaitedTooLong
	ErrDisconnected          = comm.ErrDisconnected
)

// ErrAborted names the aborted state of a PartiallyReceivedBulk. No function
// in this package returns it: GetBlockData reports an aborted PRB by
// returning nil.
var ErrAborted = errors.New("partially received bulk aborted")
