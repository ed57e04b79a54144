package rudp

import (
	"sync/atomic"
	"time"
)

// ConnStats is the set of lightweight per-connection counters described in
// §4.7: diagnostic visibility only, never consulted by the fixed-RTO
// retransmission logic. Cut down from the teacher's global histogram
// profiler to a per-connection snapshot struct, since there is no
// congestion control here to feed richer latency buckets into.
type ConnStats struct {
	SegmentsSent     uint64
	SegmentsReceived uint64
	Retransmissions  uint64
	BytesSent        uint64
	BytesReceived    uint64
	LastRTT          time.Duration
}

// connStats is the live, atomically-updated counter set embedded in Conn.
// ConnStats (above) is the immutable snapshot handed back by Stats().
type connStats struct {
	segmentsSent     atomic.Uint64
	segmentsReceived atomic.Uint64
	retransmissions  atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	lastRTTNanos     atomic.Int64
}

func (s *connStats) recordSent(payloadLen int) {
	s.segmentsSent.Add(1)
	s.bytesSent.Add(uint64(payloadLen))
}

func (s *connStats) recordReceived(payloadLen int) {
	s.segmentsReceived.Add(1)
	s.bytesReceived.Add(uint64(payloadLen))
}

func (s *connStats) recordRetransmission() {
	s.retransmissions.Add(1)
}

func (s *connStats) recordRTT(d time.Duration) {
	s.lastRTTNanos.Store(int64(d))
}

func (s *connStats) snapshot() ConnStats {
	return ConnStats{
		SegmentsSent:     s.segmentsSent.Load(),
		SegmentsReceived: s.segmentsReceived.Load(),
		Retransmissions:  s.retransmissions.Load(),
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		LastRTT:          time.Duration(s.lastRTTNanos.Load()),
	}
}
