package rudp

import "github.com/pkg/errors"

// Sentinel errors surfaced to callers. Compare with errors.Is; internal call
// sites that want to attach context use errors.Wrap/Wrapf instead of
// constructing new sentinels.
var (
	// ErrNotConnected is returned when an operation requires an
	// established connection but the socket isn't in that state.
	ErrNotConnected = errors.New("rudp: not connected")

	// ErrHandshakeTimeout is returned by Dial/Accept when the deadline
	// elapses before the three-way handshake completes.
	ErrHandshakeTimeout = errors.New("rudp: handshake timeout")

	// ErrBadChecksum is returned by decode when a segment's checksum
	// doesn't match its contents. Such datagrams are dropped internally
	// and this error rarely escapes to a caller.
	ErrBadChecksum = errors.New("rudp: bad checksum")

	// ErrUnexpectedFlags names the case of a handshake segment whose flags
	// don't match what that state expects. The handshake paths do not
	// return it: they skip such a segment and keep retrying until the
	// deadline.
	ErrUnexpectedFlags = errors.New("rudp: unexpected flags")

	// ErrTimeout names the receive-timeout case. Receive does not return
	// it: a timeout with no data is reported as an empty slice and a nil
	// error.
	ErrTimeout = errors.New("rudp: receive timeout")

	// ErrDisconnected is returned when the peer closed the connection, or
	// the connection was closed locally, while an operation was in
	// flight.
	ErrDisconnected = errors.New("rudp: disconnected")

	// ErrAlreadyConnected names the case of connecting a socket that
	// already has a peer. No function in this package returns it: Dial
	// always binds a fresh endpoint and Accept always allocates a new one.
	ErrAlreadyConnected = errors.New("rudp: already connected")

	// ErrClosed is returned by operations attempted on a closed listener.
	ErrClosed = errors.New("rudp: listener closed")

	// ErrConcurrentSend is returned when Send is called while another Send
	// on the same connection is already in flight. Ordering guarantees are
	// the caller's responsibility (§5); this sentinel exists only to fail
	// fast on detected misuse rather than silently interleave bytes.
	ErrConcurrentSend = errors.New("rudp: concurrent Send on the same connection")
)
