package rudp

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the fixed Selective-Repeat window size W. This design
// carries no congestion control, so W never changes after construction.
const DefaultWindowSize = 4

// windowEntry is one in-flight segment tracked by a sendWindow: the
// segment itself, when it was first sent, and whether it has been
// acknowledged yet.
type windowEntry struct {
	segment      Segment
	firstSent    time.Time
	acknowledged bool
}

// sendWindow is the thread-safe Selective-Repeat send window described in
// §4.3: admission is capped at W unacknowledged entries, acknowledgement is
// per-segment (not cumulative), and base only advances past entries that
// are actually acknowledged — a gap in the middle of the window holds base
// in place exactly as Selective-Repeat requires.
type sendWindow struct {
	mu sync.Mutex

	size    int
	base    uint32
	nextSeq uint32
	entries map[uint32]*windowEntry
}

// newSendWindow builds a sendWindow of the given size, with base and
// nextSeq both starting at initialSeq (the connection's initial sequence
// number once the handshake completes).
func newSendWindow(size int, initialSeq uint32) *sendWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &sendWindow{
		size:    size,
		base:    initialSeq,
		nextSeq: initialSeq,
		entries: make(map[uint32]*windowEntry),
	}
}

// canAdmit reports whether the window has room for another in-flight
// segment.
func (w *sendWindow) canAdmit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unacknowledgedLocked() < w.size
}

func (w *sendWindow) unacknowledgedLocked() int {
	count := 0
	for _, e := range w.entries {
		if !e.acknowledged {
			count++
		}
	}
	return count
}

// admit inserts seg at sequence seq, recording now as its first-send
// timestamp. If the window was empty before this call, base is reset to
// seq — this keeps base meaningful even after it has previously advanced
// all the way to nextSeq on a fully-drained window.
func (w *sendWindow) admit(seq uint32, seg Segment, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) == 0 {
		w.base = seq
	}
	w.entries[seq] = &windowEntry{segment: seg, firstSent: now}
	w.nextSeq = seq + uint32(len(seg.Payload))
}

// acknowledge marks the entry at seq as acknowledged, if present and not
// already acknowledged, then advances base past any run of now-acked
// entries starting at base. It reports whether base advanced.
func (w *sendWindow) acknowledge(seq uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[seq]
	if !ok || entry.acknowledged {
		return false
	}
	entry.acknowledged = true

	advanced := false
	for {
		e, ok := w.entries[w.base]
		if !ok || !e.acknowledged {
			break
		}
		delete(w.entries, w.base)
		w.base += uint32(len(e.segment.Payload))
		advanced = true
	}
	if len(w.entries) == 0 {
		w.base = w.nextSeq
	}
	return advanced
}

// acknowledgeByAckNum implements the §4.4/§9 ACK-matching rule: an incoming
// ack_num A acknowledges the in-flight segment at sequence S iff
// A == S + len(payload(S)). At most one entry can match under byte-offset
// sequencing. Returns true iff a match was found and newly acknowledged.
func (w *sendWindow) acknowledgeByAckNum(ackNum uint32) bool {
	ok, _ := w.acknowledgeByAckNumWithRTT(ackNum, time.Time{})
	return ok
}

// acknowledgeByAckNumWithRTT behaves like acknowledgeByAckNum but also
// reports the elapsed time since the matched segment's recorded send
// timestamp (its first send, or its latest retransmission once
// refreshSentAt has run), for diagnostic RTT sampling (§4.7). The duration is zero when now is the
// zero time or no match was found.
func (w *sendWindow) acknowledgeByAckNumWithRTT(ackNum uint32, now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	var match uint32
	var firstSent time.Time
	found := false
	for seq, e := range w.entries {
		if e.acknowledged {
			continue
		}
		if seq+uint32(len(e.segment.Payload)) == ackNum {
			match = seq
			firstSent = e.firstSent
			found = true
			break
		}
	}
	w.mu.Unlock()

	if !found {
		return false, 0
	}
	acked := w.acknowledge(match)
	if acked && !now.IsZero() {
		return true, now.Sub(firstSent)
	}
	return acked, 0
}

// unacknowledged returns a stable-ordered snapshot of entries that have not
// yet been acknowledged, for the retransmission task to walk.
func (w *sendWindow) unacknowledged() []struct {
	Seq   uint32
	Entry windowEntry
} {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]struct {
		Seq   uint32
		Entry windowEntry
	}, 0, len(w.entries))
	for seq, e := range w.entries {
		if e.acknowledged {
			continue
		}
		out = append(out, struct {
			Seq   uint32
			Entry windowEntry
		}{Seq: seq, Entry: *e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// refreshSentAt updates the first-send timestamp recorded for seq, used by
// the retransmission task after resending a timed-out segment.
func (w *sendWindow) refreshSentAt(seq uint32, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[seq]; ok {
		e.firstSent = now
	}
}

// isEmpty reports whether the window currently has no tracked entries at
// all (acknowledged entries are removed as base advances, so "empty" means
// fully drained).
func (w *sendWindow) isEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries) == 0
}

// nextSequence returns the next sequence number that should be assigned to
// a newly built segment.
func (w *sendWindow) nextSequence() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}
