package rudp

import "testing"

func TestStateStringAndTransitions(t *testing.T) {
	cases := []struct {
		from State
		evt  Event
		want State
		ok   bool
	}{
		{StateClosed, EventOpenActive, StateSynSent, true},
		{StateClosed, EventOpenPassive, StateListen, true},
		{StateListen, EventRecvSyn, StateSynReceived, true},
		{StateSynSent, EventRecvSynAck, StateEstablished, true},
		{StateSynReceived, EventRecvAck, StateEstablished, true},
		{StateEstablished, EventSendFin, StateFinSent, true},
		{StateFinSent, EventRecvFinAck, StateClosed, true},
		{StateFinSent, EventClose, StateClosed, true},

		// Invalid: events the table names no edge for from that state.
		{StateSynSent, EventSendFin, StateSynSent, false},
		{StateClosed, EventRecvAck, StateClosed, false},
		{StateEstablished, EventRecvSyn, StateEstablished, false},
	}

	for _, c := range cases {
		got, ok := next(c.from, c.evt)
		if ok != c.ok {
			t.Errorf("next(%s, %s) ok = %v, want %v", c.from, c.evt, ok, c.ok)
			continue
		}
		if ok && got != c.want {
			t.Errorf("next(%s, %s) = %s, want %s", c.from, c.evt, got, c.want)
		}
	}
}

func TestStateStringUnknown(t *testing.T) {
	if got := State(99).String(); got != "UNKNOWN" {
		t.Errorf("State(99).String() = %q, want UNKNOWN", got)
	}
	if got := Event(99).String(); got != "UNKNOWN" {
		t.Errorf("Event(99).String() = %q, want UNKNOWN", got)
	}
}
