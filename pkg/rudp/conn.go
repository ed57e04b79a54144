package rudp

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// discardLogger is the silent default every Conn and Listener starts with;
// logging is an application-level opt-in via WithLogger, mirroring the
// teacher's habit of keeping library packages quiet and only switching on
// logging in the example binaries.
var discardLogger = func() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}()

// Conn is one end of a reliable byte-stream connection. It owns exactly
// one datagramEndpoint, a peer address, sequence/ack counters, a send
// window, a receive reassembly buffer, and a background retransmission
// task. The zero value is not usable; construct via Dial/DialTimeout or
// (*Listener).Accept.
type Conn struct {
	id     uuid.UUID
	cfg    Config
	logger *logrus.Entry

	endpoint datagramEndpoint
	peer     net.Addr

	stateMu sync.Mutex
	state   State

	seqMu sync.Mutex
	seq   uint32
	ack   uint32

	window  *sendWindow
	recvBuf *recvBuffer

	deliverMu   sync.Mutex
	deliverable []byte

	sendMu sync.Mutex

	stats connStats

	retransmitOnce sync.Once
	stopRetransmit chan struct{}
	retransmitDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// WithLogger attaches a logger to an existing connection, returning the
// same *Conn for chaining.
func (c *Conn) WithLogger(entry *logrus.Entry) *Conn {
	c.logger = entry.WithField("conn_id", c.id.String())
	return c
}

// Connected reports whether the connection is currently established.
func (c *Conn) Connected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state == StateEstablished
}

// transition drives the connection's state machine (state.go) forward on
// event evt, returning ErrNotConnected if the transition table names no
// edge for (current state, evt) — the same table state_test.go exercises
// directly.
func (c *Conn) transition(evt Event) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	to, ok := next(c.state, evt)
	if !ok {
		return ErrNotConnected
	}
	c.state = to
	return nil
}

// Stats returns a point-in-time snapshot of this connection's counters.
func (c *Conn) Stats() ConnStats {
	return c.stats.snapshot()
}

func newConn(id uuid.UUID, cfg Config, endpoint datagramEndpoint, peer net.Addr, localSeq, remoteSeq uint32, state State) *Conn {
	c := &Conn{
		id:             id,
		cfg:            cfg,
		logger:         discardLogger.WithField("conn_id", id.String()),
		endpoint:       endpoint,
		peer:           peer,
		state:          state,
		seq:            localSeq,
		ack:            remoteSeq,
		window:         newSendWindow(cfg.WindowSize, localSeq),
		recvBuf:        newRecvBuffer(remoteSeq),
		stopRetransmit: make(chan struct{}),
		retransmitDone: make(chan struct{}),
	}
	return c
}

func portOf(addr net.Addr) uint16 {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return uint16(udpAddr.Port)
	}
	return 0
}

// Dial performs the active-open handshake against host:port using
// DefaultConfig(), binding a fresh ephemeral UDP endpoint, and blocks until
// either the handshake completes or ctx is done. If ctx carries no
// deadline, the handshake retries indefinitely but still returns promptly
// on ctx cancellation. Use DialContext to override MTU/window/RTO.
func Dial(ctx context.Context, host string, port int) (*Conn, error) {
	return DialContext(ctx, host, port, DefaultConfig())
}

// DialContext is Dial with an explicit Config, the variant cmd/rudpcat's
// dial subcommand uses so its --config flag (§6.1) actually reaches the
// client side instead of only ever applying to Listen.
func DialContext(ctx context.Context, host string, port int, cfg Config) (*Conn, error) {
	peerAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, errors.Wrap(err, "rudp: resolve dial target")
	}
	endpoint, err := listenUDPEndpoint("0.0.0.0:0")
	if err != nil {
		return nil, errors.Wrap(err, "rudp: bind ephemeral endpoint")
	}
	conn, err := connectHandshake(ctx, endpoint, peerAddr, cfg.normalize())
	if err != nil {
		endpoint.close()
		return nil, err
	}
	return conn, nil
}

// DialTimeout is a convenience wrapper around Dial with a fixed overall
// deadline.
func DialTimeout(host string, port int, timeout time.Duration) (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Dial(ctx, host, port)
}

// connectHandshake runs the active-open handshake of §4.4 steps 2-5 over
// an already-bound endpoint against peerAddr, returning an established
// Conn. It is factored out of Dial so tests can drive it directly over an
// in-memory lossyEndpoint instead of real sockets.
func connectHandshake(ctx context.Context, endpoint datagramEndpoint, peerAddr net.Addr, cfg Config) (*Conn, error) {
	x := rand.Uint32()
	srcPort := portOf(endpoint.localAddr())
	dstPort := portOf(peerAddr)

	syn := newControlSegment(srcPort, dstPort, x, 0, FlagSYN)
	wire := syn.Encode()

	retryTicker := cfg.HandshakeInterval
	lastSend := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ErrHandshakeTimeout, ctx.Err().Error())
		default:
		}

		if time.Since(lastSend) >= retryTicker {
			if err := endpoint.writeTo(wire, peerAddr); err != nil {
				return nil, errors.Wrap(err, "rudp: send SYN")
			}
			lastSend = time.Now()
		}

		readDeadline := time.Now().Add(retryTicker)
		if dl, ok := ctx.Deadline(); ok && dl.Before(readDeadline) {
			readDeadline = dl
		}

		raw, from, err := endpoint.readFrom(readDeadline)
		if err != nil {
			continue // timeout on this poll; loop will resend if due
		}
		seg, err := Decode(raw)
		if err != nil {
			continue
		}
		if seg.Flags != FlagsSynAck || seg.AckNumber != x+1 {
			continue
		}

		y := seg.SequenceNumber
		newPeer := from

		ack := newControlSegment(srcPort, portOf(newPeer), x+1, y+1, FlagACK)
		if err := endpoint.writeTo(ack.Encode(), newPeer); err != nil {
			return nil, errors.Wrap(err, "rudp: send final ACK")
		}

		conn := newConn(uuid.New(), cfg, endpoint, newPeer, x+1, y+1, StateEstablished)
		conn.logger.Debug("active handshake complete")
		conn.startRetransmitTask()
		return conn, nil
	}
}

// acceptHandshake runs the passive-open handshake of §4.4's second
// sub-section over the listener's endpoint, allocating a fresh
// per-connection endpoint via newConnEndpoint once a SYN arrives.
func acceptHandshake(deadline time.Time, listenerEndpoint datagramEndpoint, newConnEndpoint func() (datagramEndpoint, error), cfg Config) (*Conn, net.Addr, error) {
	var clientAddr net.Addr
	var x uint32

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, nil, ErrHandshakeTimeout
		}
		raw, from, err := listenerEndpoint.readFrom(deadline)
		if err != nil {
			return nil, nil, errors.Wrap(ErrHandshakeTimeout, err.Error())
		}
		seg, err := Decode(raw)
		if err != nil {
			continue
		}
		if seg.Flags != FlagSYN {
			continue
		}
		clientAddr = from
		x = seg.SequenceNumber
		break
	}

	connEndpoint, err := newConnEndpoint()
	if err != nil {
		return nil, nil, errors.Wrap(err, "rudp: allocate connection endpoint")
	}

	y := rand.Uint32()
	srcPort := portOf(connEndpoint.localAddr())
	dstPort := portOf(clientAddr)
	synAck := newControlSegment(srcPort, dstPort, y, x+1, FlagsSynAck)
	wire := synAck.Encode()

	lastSend := time.Time{}
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			connEndpoint.close()
			return nil, nil, ErrHandshakeTimeout
		}

		if time.Since(lastSend) >= cfg.HandshakeInterval {
			if err := connEndpoint.writeTo(wire, clientAddr); err != nil {
				connEndpoint.close()
				return nil, nil, errors.Wrap(err, "rudp: send SYN+ACK")
			}
			lastSend = time.Now()
		}

		readDeadline := time.Now().Add(cfg.HandshakeInterval)
		if !deadline.IsZero() && deadline.Before(readDeadline) {
			readDeadline = deadline
		}

		raw, from, err := connEndpoint.readFrom(readDeadline)
		if err != nil {
			continue
		}
		if from.String() != clientAddr.String() {
			continue
		}
		seg, err := Decode(raw)
		if err != nil {
			continue
		}
		if seg.Flags != FlagACK || seg.AckNumber != y+1 {
			continue
		}

		conn := newConn(uuid.New(), cfg, connEndpoint, clientAddr, y+1, x+1, StateEstablished)
		conn.logger.Debug("passive handshake complete")
		conn.startRetransmitTask()
		return conn, clientAddr, nil
	}
}

// startRetransmitTask starts the background retransmission loop described
// in §4.4: every RetransmitTick it walks the unacknowledged set and resends
// anything older than RTO. Both handshake paths call it as soon as the
// connection is established, so the loop is already running before the
// first Send; Send's own call is then a no-op. It is idempotent.
func (c *Conn) startRetransmitTask() {
	c.retransmitOnce.Do(func() {
		go c.retransmitLoop()
	})
}

func (c *Conn) retransmitLoop() {
	defer close(c.retransmitDone)

	ticker := time.NewTicker(c.cfg.RetransmitTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopRetransmit:
			return
		case now := <-ticker.C:
			if !c.Connected() {
				return
			}
			for _, item := range c.window.unacknowledged() {
				if now.Sub(item.Entry.firstSent) < c.cfg.RTO {
					continue
				}
				if err := c.endpoint.writeTo(item.Entry.segment.Encode(), c.peer); err != nil {
					c.logger.WithError(err).Warn("retransmit write failed, will retry next tick")
					continue
				}
				c.window.refreshSentAt(item.Seq, now)
				c.stats.recordRetransmission()
				c.logger.WithField("seq", item.Seq).Debug("retransmitted segment")
			}
		}
	}
}

// Write is an io.Writer-shaped alias for Send.
func (c *Conn) Write(b []byte) (int, error) {
	if err := c.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Send splits b into MTU-sized chunks and reliably delivers them in order,
// per §4.4's transmission algorithm. It blocks until the entire send
// window has drained (every chunk acknowledged). Concurrent calls to Send
// on the same Conn fail fast with ErrConcurrentSend instead of
// interleaving bytes; this spec requires callers to serialise sends
// externally (§5) and this lock only catches the mistake, not provides
// the guarantee.
func (c *Conn) Send(b []byte) error {
	if !c.sendMu.TryLock() {
		return ErrConcurrentSend
	}
	defer c.sendMu.Unlock()

	if !c.Connected() {
		return ErrNotConnected
	}
	if len(b) == 0 {
		return nil
	}

	c.startRetransmitTask()

	chunkSize := c.cfg.maxPayload()
	if chunkSize <= 0 {
		chunkSize = maxPayloadCap
	}

	for off := 0; off < len(b); off += chunkSize {
		end := off + chunkSize
		if end > len(b) {
			end = len(b)
		}
		chunk := b[off:end]

		for !c.window.canAdmit() {
			if !c.Connected() {
				return ErrDisconnected
			}
			c.pollIncoming(50 * time.Millisecond)
		}
		if !c.Connected() {
			return ErrDisconnected
		}

		c.seqMu.Lock()
		seq := c.seq
		ack := c.ack
		c.seqMu.Unlock()

		seg := newDataSegment(portOf(c.endpoint.localAddr()), portOf(c.peer), seq, ack, chunk)
		c.window.admit(seq, seg, time.Now())
		if err := c.endpoint.writeTo(seg.Encode(), c.peer); err != nil {
			return errors.Wrap(err, "rudp: send segment")
		}
		c.stats.recordSent(len(chunk))

		c.seqMu.Lock()
		c.seq += uint32(len(chunk))
		c.seqMu.Unlock()
	}

	for !c.window.isEmpty() {
		if !c.Connected() {
			return ErrDisconnected
		}
		c.pollIncoming(50 * time.Millisecond)
	}

	return nil
}

// pollIncoming reads at most one datagram within the given timeout and, if
// it belongs to this connection's peer, runs it through processDatagram.
// Used by Send while waiting for window capacity or drain; Receive reads
// the endpoint itself and calls processDatagram directly.
func (c *Conn) pollIncoming(timeout time.Duration) {
	raw, from, err := c.endpoint.readFrom(time.Now().Add(timeout))
	if err != nil {
		return
	}
	c.processDatagram(raw, from)
}

// processDatagram validates and applies one inbound datagram: ACK
// processing against the send window, payload insertion into the receive
// buffer, piggyback-ACK emission, and draining any now-contiguous run into
// the deliverable queue Receive reads from. Datagrams from any address
// other than the connection's peer are discarded silently, per §4.4 step 2.
func (c *Conn) processDatagram(raw []byte, from net.Addr) {
	if c.peer == nil || from.String() != c.peer.String() {
		return
	}
	seg, err := Decode(raw)
	if err != nil {
		return
	}

	if seg.HasFlag(FlagsFinAck) {
		c.handlePeerFin()
		return
	}

	if seg.Flags == FlagFIN {
		c.replyFinAckAndClose()
		return
	}

	if seg.HasFlag(FlagACK) && seg.AckNumber != 0 {
		if acked, rtt := c.window.acknowledgeByAckNumWithRTT(seg.AckNumber, time.Now()); acked && rtt > 0 {
			c.stats.recordRTT(rtt)
		}
	}

	if len(seg.Payload) > 0 {
		c.stats.recordReceived(len(seg.Payload))

		if !c.recvBuf.isDuplicate(seg.SequenceNumber) {
			c.recvBuf.insert(seg.SequenceNumber, seg.Payload)
		}

		c.seqMu.Lock()
		selfSeq := c.seq
		c.seqMu.Unlock()

		ackNum := seg.SequenceNumber + uint32(len(seg.Payload))
		ackSeg := newControlSegment(portOf(c.endpoint.localAddr()), portOf(c.peer), selfSeq, ackNum, FlagACK)
		c.endpoint.writeTo(ackSeg.Encode(), c.peer)

		drained := c.recvBuf.drain()
		if len(drained) > 0 {
			c.deliverMu.Lock()
			c.deliverable = append(c.deliverable, drained...)
			c.deliverMu.Unlock()
		}

		c.seqMu.Lock()
		c.ack = c.recvBuf.expected()
		c.seqMu.Unlock()
	}
}

// handlePeerFin marks the connection disconnected when the peer's FIN+ACK
// arrives outside of an in-flight Close call (e.g. while a Receive was
// blocked). Close() itself watches for FIN+ACK directly and does not rely
// on this path.
func (c *Conn) handlePeerFin() {
	c.stateMu.Lock()
	if c.state == StateEstablished {
		c.state = StateClosed
	}
	c.stateMu.Unlock()
}

// replyFinAckAndClose handles an inbound plain FIN: the peer initiated
// close, so this side replies FIN+ACK from its own current seq/ack and
// closes too. This design has no half-close or TIME_WAIT — the state
// machine only ever settles at CLOSED (§4.4) — so there is nothing further
// to negotiate once a FIN arrives.
func (c *Conn) replyFinAckAndClose() {
	c.seqMu.Lock()
	seq, ack := c.seq, c.ack
	c.seqMu.Unlock()

	finAck := newControlSegment(portOf(c.endpoint.localAddr()), portOf(c.peer), seq, ack, FlagsFinAck)
	if err := c.endpoint.writeTo(finAck.Encode(), c.peer); err != nil {
		c.logger.WithError(err).Warn("failed to send FIN+ACK in reply to peer FIN")
	}
	c.handlePeerFin()
}

// Receive returns the next in-order chunk of application bytes, waiting up
// to timeout for data to arrive. An empty slice with a nil error means no
// data arrived within timeout — it is not end-of-stream. Once the
// connection is no longer established (including after a graceful Close,
// local or peer-initiated), Receive fails with ErrNotConnected, matching
// Send's behaviour per the post-close invariant that both fail the same
// way.
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	if popped := c.popDeliverable(); popped != nil {
		return popped, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		if !c.Connected() {
			return nil, ErrNotConnected
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []byte{}, nil
		}
		pollTimeout := remaining
		if pollTimeout > 200*time.Millisecond {
			pollTimeout = 200 * time.Millisecond
		}

		raw, from, err := c.endpoint.readFrom(time.Now().Add(pollTimeout))
		if err != nil {
			if popped := c.popDeliverable(); popped != nil {
				return popped, nil
			}
			continue
		}
		c.processDatagram(raw, from)

		if popped := c.popDeliverable(); popped != nil {
			return popped, nil
		}
	}
}

func (c *Conn) popDeliverable() []byte {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if len(c.deliverable) == 0 {
		return nil
	}
	out := c.deliverable
	c.deliverable = nil
	return out
}

// Close sends a best-effort FIN, waits briefly for the peer's FIN+ACK,
// then tears down local state unconditionally. Close is idempotent: the
// resource teardown below (retransmit task, endpoint) runs exactly once
// via closeOnce even if the state machine already reached CLOSED on its
// own, e.g. because the peer's FIN arrived and replyFinAckAndClose already
// flipped this side to CLOSED before the application ever called Close.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.teardown()
	})
	return c.closeErr
}

func (c *Conn) teardown() error {
	var result *multierror.Error

	if err := c.transition(EventSendFin); err == nil {
		c.seqMu.Lock()
		seq, ack := c.seq, c.ack
		c.seqMu.Unlock()

		fin := newControlSegment(portOf(c.endpoint.localAddr()), portOf(c.peer), seq, ack, FlagFIN)
		if err := c.endpoint.writeTo(fin.Encode(), c.peer); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "rudp: send FIN"))
		} else {
			c.waitForFinAck(c.cfg.HandshakeCloseWait)
		}
		c.transition(EventRecvFinAck)
	} else {
		// Not in ESTABLISHED (e.g. the peer's FIN already flipped us to
		// CLOSED via replyFinAckAndClose/handlePeerFin): just force the
		// terminal state.
		c.stateMu.Lock()
		c.state = StateClosed
		c.stateMu.Unlock()
	}

	select {
	case <-c.retransmitDone:
	default:
		close(c.stopRetransmit)
		select {
		case <-c.retransmitDone:
		case <-time.After(500 * time.Millisecond):
			c.logger.Warn("retransmit task did not stop within grace period")
		}
	}

	if err := c.endpoint.close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "rudp: close endpoint"))
	}

	return result.ErrorOrNil()
}

// waitForFinAck blocks up to d waiting for the peer's FIN+ACK, discarding
// any other traffic (but still processing ACKs/payloads it happens to see,
// since the peer may still be draining its own send window).
func (c *Conn) waitForFinAck(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		raw, from, err := c.endpoint.readFrom(deadline)
		if err != nil {
			return
		}
		if from.String() != c.peer.String() {
			continue
		}
		seg, err := Decode(raw)
		if err != nil {
			continue
		}
		if seg.Flags == FlagsFinAck {
			c.logger.Debug("received FIN+ACK, graceful close")
			return
		}
		c.processDatagram(raw, from)
	}
}
