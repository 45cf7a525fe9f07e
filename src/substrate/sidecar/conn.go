package sidecar

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/towerterm/tower/src/substrate/wire"
)

// outboundQueueSize bounds each client's outbound frame queue. A client that
// cannot keep up is disconnected rather than allowed to block the broadcast.
const outboundQueueSize = 256

// clientConn is one accepted socket, pre- or post-handshake. Reading and
// writing run on separate goroutines so a slow writer cannot stall the
// reader (and vice versa); outbound frames pass through a bounded channel.
type clientConn struct {
	conn net.Conn
	role wire.ClientType

	hello int32 // atomic bool: handshake complete

	out       chan outboundFrame
	closeOnce sync.Once
	closedCh  chan struct{}
}

type outboundFrame struct {
	typ     wire.FrameType
	payload []byte
}

func newClientConn(conn net.Conn) *clientConn {
	cc := &clientConn{
		conn:     conn,
		out:      make(chan outboundFrame, outboundQueueSize),
		closedCh: make(chan struct{}),
	}
	go cc.writeLoop()
	return cc
}

func (cc *clientConn) helloDone() bool {
	return atomic.LoadInt32(&cc.hello) == 1
}

func (cc *clientConn) markHelloDone(role wire.ClientType) {
	cc.role = role
	atomic.StoreInt32(&cc.hello, 1)
}

// enqueue attempts a non-blocking send of a frame to this client's outbound
// queue. Returns false if the queue is full or the connection is already
// closed, signaling the caller to disconnect this client.
func (cc *clientConn) enqueue(typ wire.FrameType, payload []byte) bool {
	select {
	case <-cc.closedCh:
		return false
	default:
	}
	select {
	case cc.out <- outboundFrame{typ: typ, payload: payload}:
		return true
	default:
		return false
	}
}

func (cc *clientConn) writeLoop() {
	for {
		select {
		case <-cc.closedCh:
			return
		case frame := <-cc.out:
			if err := wire.WriteFrame(cc.conn, frame.typ, frame.payload); err != nil {
				cc.close()
				return
			}
		}
	}
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() {
		close(cc.closedCh)
		cc.conn.Close()
	})
}
