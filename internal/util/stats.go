package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Traffic stats
// ──────────────────────────────────────────────────────────────────────────────

const (
	sampleInterval = time.Second
	rateWindow     = 5
	reportEvery    = 10 // samples between reporter log lines
)

// Stats is the traffic/link counter of one transport instance.
type Stats struct {
	LinksCreated    atomic.Int64 // cumulative count of links since start
	LinksDestroyed  atomic.Int64 // cumulative count of finished links since start
	BytesSent       atomic.Int64 // cumulative datagram bytes written, headers included
	BytesRecv       atomic.Int64 // cumulative datagram bytes read, headers included
	PacketsRejected atomic.Int64 // datagrams that failed to decode

	inRate  *MovingAverage
	outRate *MovingAverage

	prevSent, prevRecv int64
}

// NewStats returns zeroed stats.
func NewStats() *Stats {
	return &Stats{
		inRate:  NewMovingAverage(rateWindow),
		outRate: NewMovingAverage(rateWindow),
	}
}

func (s *Stats) AddLink()      { s.LinksCreated.Add(1) }
func (s *Stats) RemoveLink()   { s.LinksDestroyed.Add(1) }
func (s *Stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *Stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *Stats) AddRejected()  { s.PacketsRejected.Add(1) }

// ActiveLinks returns the number of links created and not yet finished.
func (s *Stats) ActiveLinks() int64 {
	return s.LinksCreated.Load() - s.LinksDestroyed.Load()
}

// Sample records the bytes moved since the previous call into the rate
// averages. It must be called once per sampleInterval from one goroutine.
func (s *Stats) Sample() {
	sent := s.BytesSent.Load()
	recv := s.BytesRecv.Load()
	s.outRate.Record(float64(sent-s.prevSent) / sampleInterval.Seconds())
	s.inRate.Record(float64(recv-s.prevRecv) / sampleInterval.Seconds())
	s.prevSent, s.prevRecv = sent, recv
}

// Rates returns the averaged inbound and outbound bytes per second.
func (s *Stats) Rates() (in, out float64) {
	return s.inRate.Average(), s.outRate.Average()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartReporter launches a goroutine that samples traffic rates every second
// and logs a summary every 10 seconds when something happened. It stops
// when ctx is cancelled.
func (s *Stats) StartReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()

		var n int
		var prevCreated, prevDestroyed int64
		for {
			select {
			case <-ticker.C:
				s.Sample()

				n++
				if n%reportEvery != 0 {
					continue
				}

				created := s.LinksCreated.Load()
				destroyed := s.LinksDestroyed.Load()
				inS, outS := s.Rates()
				inC := created - prevCreated
				outC := destroyed - prevDestroyed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevCreated = created
				prevDestroyed = destroyed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Links: %2d↑ %2d↓",
		FormatBytes(inS),
		FormatBytes(outS),
		inC,
		outC,
	)
}
