package util

import (
	"math"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range testCases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(FormatBytes(tc.in)) != 8 {
			t.Errorf("FormatBytes(%v) is not 8 chars wide", tc.in)
		}
	}
}

func TestMovingAverage(t *testing.T) {
	m := NewMovingAverage(3)
	if m.Average() != 0 {
		t.Fatalf("empty average must be 0")
	}

	m.Record(3)
	m.Record(6)
	if got := m.Average(); got != 4.5 {
		t.Fatalf("Average = %v, want 4.5", got)
	}

	m.Record(9)
	m.Record(12)
	if got := m.Average(); math.Abs(got-9) > 1e-9 {
		t.Fatalf("Average = %v, want 9 after eviction", got)
	}
	if m.Count() != 3 {
		t.Fatalf("Count = %d, want 3", m.Count())
	}

	m.Reset()
	if m.Average() != 0 || m.Count() != 0 {
		t.Fatalf("Reset did not clear samples")
	}
}

func TestStatsRates(t *testing.T) {
	s := NewStats()
	s.AddSent(2000)
	s.AddRecv(500)
	s.Sample()
	s.Sample()

	in, out := s.Rates()
	if in != 250 || out != 1000 {
		t.Fatalf("Rates = %v/%v, want 250/1000", in, out)
	}

	s.AddLink()
	s.AddLink()
	s.RemoveLink()
	if s.ActiveLinks() != 1 {
		t.Fatalf("ActiveLinks = %d, want 1", s.ActiveLinks())
	}
}
