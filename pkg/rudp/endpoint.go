package rudp

import (
	"net"
	"time"
)

// datagramEndpoint is the narrow substrate the core transport is written
// against, kept separate from *net.UDPConn the same way the teacher keeps
// its wire-format and state-machine packages separate from the concrete
// link binding underneath them. Production code binds this to a real OS
// UDP socket; tests bind it to an in-memory implementation that can drop,
// delay and duplicate datagrams on demand.
type datagramEndpoint interface {
	// readFrom blocks until a datagram arrives or deadline elapses,
	// returning the payload and the address it arrived from.
	readFrom(deadline time.Time) ([]byte, net.Addr, error)

	// writeTo sends b to addr.
	writeTo(b []byte, addr net.Addr) error

	// localAddr reports the address this endpoint is bound to.
	localAddr() net.Addr

	// close releases the endpoint. Idempotent.
	close() error
}

// udpEndpoint is the production datagramEndpoint, backed by a real
// *net.UDPConn.
type udpEndpoint struct {
	conn *net.UDPConn
}

// listenUDPEndpoint binds a UDP socket on the given address ("" for
// ephemeral port on a wildcard interface, "host:port" otherwise).
func listenUDPEndpoint(addr string) (*udpEndpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &udpEndpoint{conn: conn}, nil
}

func (e *udpEndpoint) readFrom(deadline time.Time) ([]byte, net.Addr, error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	buf := make([]byte, defaultMTU)
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

func (e *udpEndpoint) writeTo(b []byte, addr net.Addr) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return err
		}
		udpAddr = resolved
	}
	_, err := e.conn.WriteToUDP(b, udpAddr)
	return err
}

func (e *udpEndpoint) localAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *udpEndpoint) close() error {
	return e.conn.Close()
}
