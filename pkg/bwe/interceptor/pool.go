package interceptor

import (
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/thesyncim/rbe/pkg/bwe/remote"
)

// packetPool recycles the packets handed to the node. The node does not
// retain them after Observe returns.
var packetPool = sync.Pool{
	New: func() any {
		return &remote.Packet{}
	},
}

func getPacket() *remote.Packet {
	return packetPool.Get().(*remote.Packet)
}

// putPacket clears pkt and returns it to the pool. The header's extension
// slice keeps its capacity for the next Unmarshal.
func putPacket(pkt *remote.Packet) {
	exts := pkt.Header.Extensions[:0]
	csrc := pkt.Header.CSRC[:0]
	pkt.Header = rtp.Header{Extensions: exts, CSRC: csrc}
	pkt.Size = 0
	pkt.ReceivedTime = time.Time{}
	packetPool.Put(pkt)
}
