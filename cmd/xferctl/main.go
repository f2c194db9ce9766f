// xferctl is a manual exercise harness for the bulk transfer core: it can
// run an in-process loopback send of a local file between two simulated
// peers, or listen for incoming WSPeerLink connections and log each peer
// that connects. Follows the same docopt-driven main shape as connectctl/tetherctl
// (bringyour-connect/connectctl/main.go).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/freenet-go/corexfer/comm"
	"github.com/freenet-go/corexfer/transport"
	"github.com/freenet-go/corexfer/xfer"
)

const XferCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Bulk transfer control.

Usage:
    xferctl loopback-send <file> [--block_size=<bytes>] [--drop_rate=<rate>]
    xferctl listen [--addr=<addr>] [--max_conns=<n>]

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --block_size=<bytes>      Block size in bytes. [default: 32768]
    --drop_rate=<rate>        Fraction of packets to drop on the loopback link. [default: 0]
    --addr=<addr>             Listen address. [default: :9443]
    --max_conns=<n>           Max concurrent websocket connections. [default: 64]`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], XferCtlVersion)
	if err != nil {
		panic(err)
	}

	if loopbackSend, _ := opts.Bool("loopback-send"); loopbackSend {
		loopbackSendCmd(opts)
		return
	}
	if listen, _ := opts.Bool("listen"); listen {
		listenCmd(opts)
		return
	}
}

func loopbackSendCmd(opts docopt.Opts) {
	path, _ := opts.String("<file>")
	blockSize, _ := opts.Int("--block_size")
	dropRate, _ := opts.Float64("--drop_rate")

	data, err := os.ReadFile(path)
	if err != nil {
		Err.Fatalf("read %s: %v", path, err)
	}

	blocks := chunk(data, blockSize)
	busSender := comm.NewMessageBus()
	busReceiver := comm.NewMessageBus()
	defer busSender.Close()
	defer busReceiver.Close()

	toReceiver, toSender := transport.NewLoopPeerLinkPair(busSender, busReceiver, nil)
	toReceiver.SetFault(transport.LoopFault{DropRate: dropRate})

	prbSender := xfer.NewFullyReceivedBulk(uint32(blockSize), blocks)
	prbReceiver := xfer.NewPartiallyReceivedBulk(uint32(blockSize), uint32(len(blocks)))
	counter := xfer.NewThrottle(64<<20, 8<<20)

	uid := xfer.TransferId(time.Now().UnixNano())
	bt, err := xfer.NewBulkTransmitter(prbSender, toReceiver, busSender, uid, false, counter, nil)
	if err != nil {
		Err.Fatalf("transmitter: %v", err)
	}
	br, err := xfer.NewBulkReceiver(prbReceiver, toSender, busReceiver, uid, counter, nil)
	if err != nil {
		Err.Fatalf("receiver: %v", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Minute)
	defer cancel()
	ok := bt.Send(ctx)
	Out.Printf("send returned %v after %v", ok, time.Since(start))

	br.WaitDone(5 * time.Second)
	if !br.Done() {
		Err.Fatalf("receiver never reached a terminal state")
	}
	Out.Printf("receiver completed=%v wholeFile=%v", br.Completed(), prbReceiver.HasWholeFile())
}

func chunk(data []byte, blockSize int) [][]byte {
	var blocks [][]byte
	for i := 0; i < len(data); i += blockSize {
		end := i + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[i:end])
	}
	return blocks
}

func listenCmd(opts docopt.Opts) {
	addr, _ := opts.String("--addr")
	maxConns, _ := opts.Int("--max_conns")

	bus := comm.NewMessageBus()
	defer bus.Close()

	codec := comm.NewCodec(xfer.BulkPacketSend, xfer.BulkReceivedAll, xfer.BulkReceiveAborted, xfer.BulkSendAborted)

	srv, err := transport.ListenWS(context.Background(), addr, maxConns, bus, codec, nil, func(link *transport.WSPeerLink) {
		Out.Printf("accepted peer %s", link.ShortId())
	})
	if err != nil {
		Err.Fatalf("listen %s: %v", addr, err)
	}
	Out.Printf("listening on %s", addr)
	fmt.Scanln()
	srv.Close()
}
