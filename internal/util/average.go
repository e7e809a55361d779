package util

import "sync"

// MovingAverage is the mean of the last n recorded samples.
type MovingAverage struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	sum     float64
}

// NewMovingAverage returns an average over a window of n samples.
func NewMovingAverage(n int) *MovingAverage {
	return &MovingAverage{samples: make([]float64, max(1, n))}
}

// Record adds a sample, evicting the oldest once the window is full.
func (m *MovingAverage) Record(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sum += v - m.samples[m.next]
	m.samples[m.next] = v
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.full = true
	}
}

// Average returns the mean of the samples in the window, 0 if there are none.
func (m *MovingAverage) Average() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.samples)
	}
	if n == 0 {
		return 0
	}
	return m.sum / float64(n)
}

// Count returns the number of samples in the window.
func (m *MovingAverage) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return len(m.samples)
	}
	return m.next
}

// Reset drops all samples.
func (m *MovingAverage) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.samples)
	m.next, m.full, m.sum = 0, false, 0
}
