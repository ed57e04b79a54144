package rudp

// State is one node of the connection state machine. Unlike RFC793's eleven
// states, this design only needs the six a byte-stream-over-UDP transport
// actually exercises: there is no TIME_WAIT, no half-close, no
// simultaneous-open resolution.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinSent
)

// String renders a State for logging.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinSent:
		return "FIN_SENT"
	default:
		return "UNKNOWN"
	}
}

// Event is an input to the state machine: either a locally-initiated action
// or the arrival of a segment carrying particular flags.
type Event int

const (
	EventOpenActive  Event = iota // connect() called
	EventOpenPassive              // listen() called
	EventRecvSyn                  // inbound SYN
	EventRecvSynAck               // inbound SYN+ACK
	EventRecvAck                  // inbound ACK completing a handshake
	EventSendFin                  // close() called
	EventRecvFinAck               // inbound FIN+ACK
	EventClose                    // local teardown complete
)

// String renders an Event for logging.
func (e Event) String() string {
	switch e {
	case EventOpenActive:
		return "OPEN_ACTIVE"
	case EventOpenPassive:
		return "OPEN_PASSIVE"
	case EventRecvSyn:
		return "RECV_SYN"
	case EventRecvSynAck:
		return "RECV_SYN_ACK"
	case EventRecvAck:
		return "RECV_ACK"
	case EventSendFin:
		return "SEND_FIN"
	case EventRecvFinAck:
		return "RECV_FIN_ACK"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// transitions is the explicit state/event transition table. Any (state,
// event) pair absent from this map is an invalid transition.
var transitions = map[State]map[Event]State{
	StateClosed: {
		EventOpenActive:  StateSynSent,
		EventOpenPassive: StateListen,
	},
	StateListen: {
		EventRecvSyn: StateSynReceived,
	},
	StateSynSent: {
		EventRecvSynAck: StateEstablished,
	},
	StateSynReceived: {
		EventRecvAck: StateEstablished,
	},
	StateEstablished: {
		EventSendFin: StateFinSent,
	},
	StateFinSent: {
		EventRecvFinAck: StateClosed,
		EventClose:      StateClosed,
	},
}

// next looks up the transition table, reporting ok=false for any transition
// the table doesn't name (Conn.transition surfaces that as
// ErrNotConnected).
func next(s State, e Event) (State, bool) {
	row, ok := transitions[s]
	if !ok {
		return s, false
	}
	to, ok := row[e]
	return to, ok
}
