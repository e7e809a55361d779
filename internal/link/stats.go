package link

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/caio/go-tdigest"

	"github.com/1ureka/udplink/internal/util"
)

// rttWindow is the number of round trips averaged for the resend timer.
const rttWindow = 100

// Stats are the counters of one link. Session-scoped figures (round trip,
// unit counts) are cleared when the local session restarts; byte totals
// survive for the life of the link.
type Stats struct {
	PacketsReceived atomic.Int64
	PacketsSent     atomic.Int64
	SendErrors      atomic.Int64
	UnitsIn         atomic.Int64
	UnitsOut        atomic.Int64
	UnitsResent     atomic.Int64
	UnitsDuplicate  atomic.Int64
	BytesIn         atomic.Int64
	BytesOut        atomic.Int64

	rtt *util.MovingAverage

	mu     sync.Mutex
	digest *tdigest.TDigest
}

func newStats() *Stats {
	return &Stats{
		rtt:    util.NewMovingAverage(rttWindow),
		digest: newDigest(),
	}
}

func newDigest() *tdigest.TDigest {
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		// only returned for invalid options
		panic(err)
	}
	return td
}

// RecordRoundTrip adds one acknowledged unit's round trip.
func (s *Stats) RecordRoundTrip(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	s.rtt.Record(ms)

	s.mu.Lock()
	_ = s.digest.Add(ms)
	s.mu.Unlock()
}

// AverageRoundTrip returns the mean of the last 100 round trips.
func (s *Stats) AverageRoundTrip() time.Duration {
	return time.Duration(s.rtt.Average() * float64(time.Millisecond))
}

// RoundTripQuantile returns the q-quantile of round trips in this session,
// 0 before the first acknowledgment.
func (s *Stats) RoundTripQuantile(q float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digest.Count() == 0 {
		return 0
	}
	return time.Duration(s.digest.Quantile(q) * float64(time.Millisecond))
}

// clear resets the session-scoped figures.
func (s *Stats) clear() {
	s.UnitsIn.Store(0)
	s.UnitsOut.Store(0)
	s.UnitsResent.Store(0)
	s.UnitsDuplicate.Store(0)
	s.rtt.Reset()

	s.mu.Lock()
	s.digest = newDigest()
	s.mu.Unlock()
}
