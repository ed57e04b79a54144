package rudp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Listener is a thin state holder bound to a well-known address: it
// performs only the server side of the handshake and hands each accepted
// connection a freshly allocated per-connection datagram endpoint. It is
// never used for data after a connection is accepted (§4.5).
type Listener struct {
	cfg    Config
	logger *logrus.Entry

	endpoint        datagramEndpoint
	newConnEndpoint func() (datagramEndpoint, error)

	mu     sync.Mutex
	closed bool
}

// Listen binds a listener endpoint to ip:port. Use "" or "0.0.0.0" for ip
// to bind all interfaces.
func Listen(ip string, port int) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", ip, port)
	ep, err := listenUDPEndpoint(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rudp: listen on %s", addr)
	}

	bindIP := ip
	return &Listener{
		cfg:      DefaultConfig(),
		logger:   discardLogger,
		endpoint: ep,
		newConnEndpoint: func() (datagramEndpoint, error) {
			return listenUDPEndpoint(fmt.Sprintf("%s:0", bindIP))
		},
	}, nil
}

// WithLogger attaches a logger to the listener, returning it for chaining.
func (l *Listener) WithLogger(entry *logrus.Entry) *Listener {
	l.logger = entry
	return l
}

// WithConfig overrides the Config new connections accepted by this
// listener are constructed with.
func (l *Listener) WithConfig(cfg Config) *Listener {
	l.cfg = cfg.normalize()
	return l
}

// Addr reports the address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.endpoint.localAddr()
}

// Accept performs one passive-open handshake (§4.4), blocking up to
// timeout. On success it returns a freshly established *Conn bound to its
// own per-connection endpoint, plus the peer's address. Multiple Accept
// calls can be made sequentially from the same listener; each produces an
// independent connection.
func (l *Listener) Accept(timeout time.Duration) (*Conn, net.Addr, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, nil, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	conn, peer, err := acceptHandshake(deadline, l.endpoint, l.newConnEndpoint, l.cfg)
	if err != nil {
		return nil, nil, err
	}
	conn.logger = l.logger.WithField("conn_id", conn.id.String())
	return conn, peer, nil
}

// Close releases the listener's endpoint. Idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var result *multierror.Error
	if err := l.endpoint.close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "rudp: close listener endpoint"))
	}
	return result.ErrorOrNil()
}
