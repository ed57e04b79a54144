package rudp

import "sync"

// recvBuffer is the out-of-order reassembly buffer described in §3/§4.4: a
// map from sequence number to payload, drained in order as the contiguous
// run starting at expectedSeq grows. Grounded on a map-keyed receive
// buffer rather than the flat contiguous buffer a pure in-order transport
// could get away with, since this design must tolerate and buffer
// out-of-order arrivals under UDP reordering.
type recvBuffer struct {
	mu          sync.Mutex
	expectedSeq uint32
	pending     map[uint32][]byte
}

// newRecvBuffer builds a recvBuffer whose first expected byte is at
// initialSeq (the connection's learned peer initial sequence number, plus
// one, per the handshake in §4.4).
func newRecvBuffer(initialSeq uint32) *recvBuffer {
	return &recvBuffer{
		expectedSeq: initialSeq,
		pending:     make(map[uint32][]byte),
	}
}

// insert records payload at seq. Duplicates (same seq seen again) simply
// overwrite the existing entry — insertion is idempotent. Segments whose
// seq is strictly less than expectedSeq are already-delivered duplicates
// and are not stored.
func (r *recvBuffer) insert(seq uint32, payload []byte) {
	if len(payload) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq < r.expectedSeq {
		return
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	r.pending[seq] = stored
}

// isDuplicate reports whether seq is strictly behind expectedSeq, i.e. the
// payload at that sequence has already been delivered to the application.
func (r *recvBuffer) isDuplicate(seq uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return seq < r.expectedSeq
}

// drain splices together every contiguous payload starting at expectedSeq,
// removing each from the pending map and advancing expectedSeq by its
// length. It returns nil (not an error) when nothing is currently
// contiguous — that is a normal, frequent state while segments are still
// arriving out of order.
func (r *recvBuffer) drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []byte
	for {
		payload, ok := r.pending[r.expectedSeq]
		if !ok {
			break
		}
		out = append(out, payload...)
		delete(r.pending, r.expectedSeq)
		r.expectedSeq += uint32(len(payload))
	}
	return out
}

// expected returns the current expectedSeq, the next byte offset the
// caller should acknowledge as "I have everything before this".
func (r *recvBuffer) expected() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expectedSeq
}
