package xfer

import "github.com/freenet-go/corexfer/comm"

// Wire message types for the bulk transfer protocol. UID is the 64-bit
// transfer identifier (unique across both peers for the transfer's
// lifetime); BlockNo is the 32-bit block index.
var (
	BulkPacketSend = comm.NewMessageType("BulkPacketSend", map[string]comm.FieldType{
		"uid":     comm.FieldInt64,
		"blockNo": comm.FieldInt32,
		"bytes":   comm.FieldBytes,
		"mac":     comm.FieldBytes,
	})

	BulkReceivedAll = comm.NewMessageType("BulkReceivedAll", map[string]comm.FieldType{
		"uid": comm.FieldInt64,
	})

	BulkReceiveAborted = comm.NewMessageType("BulkReceiveAborted", map[string]comm.FieldType{
		"uid": comm.FieldInt64,
	})

	BulkSendAborted = comm.NewMessageType("BulkSendAborted", map[string]comm.FieldType{
		"uid": comm.FieldInt64,
	})
)

// TransferId is the 64-bit transfer UID carried by every message of a given
// transfer. It is deliberately a narrower id space than comm.PeerId (which
// identifies nodes): a transfer UID only needs to be unique for its own
// lifetime across the two participating peers.
type TransferId uint64

func uidField(uid TransferId) int64 {
	return int64(uid)
}

func newBulkPacketSend(uid TransferId, blockNo uint32, data []byte, mac []byte) *comm.Message {
	m := comm.NewMessage(BulkPacketSend).
		Set("uid", uidField(uid)).
		Set("blockNo", int32(blockNo)).
		Set("bytes", data)
	if mac != nil {
		m.Set("mac", mac)
	}
	return m
}

func newBulkReceivedAll(uid TransferId) *comm.Message {
	return comm.NewMessage(BulkReceivedAll).Set("uid", uidField(uid))
}

func newBulkReceiveAborted(uid TransferId) *comm.Message {
	return comm.NewMessage(BulkReceiveAborted).Set("uid", uidField(uid))
}

func newBulkSendAborted(uid TransferId) *comm.Message {
	return comm.NewMessage(BulkSendAborted).Set("uid", uidField(uid))
}

// bulkPacketEnvelope mirrors DMT.bulkPacketTransmitSize: the wire size of a
// BulkPacketSend carrying blockSize bytes of payload, before per-message
// transport header overhead. withMac adds the room for the "mac" field a
// configured PacketAuthenticator attaches to every packet.
func bulkPacketEnvelope(blockSize uint32, withMac bool) int {
	// type name + uid + blockNo + length-prefixed payload, see comm.Codec's
	// frame layout; a small constant covers the fixed fields.
	const fixedOverhead = 2 + len("BulkPacketSend") + 8 + 2 +
		1 + len("uid") + 1 + 4 + 8 +
		1 + len("blockNo") + 1 + 4 + 4 +
		1 + len("bytes") + 1 + 4
	size := fixedOverhead + int(blockSize)
	if withMac {
		size += 1 + len("mac") + 1 + 4 + macSize
	}
	return size
}
