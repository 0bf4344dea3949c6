package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/bus"
	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/transport"
)

// peerConn is one handshaken connection in the hub's peer table. Writes
// go through a buffered queue drained by a dedicated goroutine so a slow
// peer never blocks routing.
type peerConn struct {
	info   bus.PeerInfo
	stream transport.Stream
	send   chan any

	closeOnce sync.Once
	closed    chan struct{}
}

// enqueue offers a frame without blocking; a full queue drops the frame
// and leaves the liveness sweep to reap the peer.
func (pc *peerConn) enqueue(v any) bool {
	select {
	case pc.send <- v:
		return true
	default:
		return false
	}
}

func (pc *peerConn) writeLoop(logger *zap.Logger) {
	for {
		select {
		case v := <-pc.send:
			if err := pc.stream.WriteFrame(v); err != nil {
				logger.Warn("write to peer failed",
					zap.String("connectionId", pc.info.ID),
					zap.Error(err))

				// The read loop observes the broken stream and removes
				// the peer.
				return
			}
		case <-pc.closed:
			return
		}
	}
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.closed)
		pc.stream.Close()
	})
}
