package swap

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before expiry", expiry.Add(-time.Minute), false},
		{"exactly at expiry", expiry, true},
		{"after expiry", expiry.Add(time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isExpired(expiry, tt.now); got != tt.want {
				t.Errorf("isExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSoftExpired(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before window", expiry.Add(-time.Hour), false},
		{"just before window", expiry.Add(-window - time.Second), false},
		{"at window boundary", expiry.Add(-window), true},
		{"inside window", expiry.Add(-time.Minute), true},
		// Hard expiry wins over soft.
		{"at expiry", expiry, false},
		{"after expiry", expiry.Add(time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSoftExpired(expiry, tt.now, window); got != tt.want {
				t.Errorf("isSoftExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommitWindowOK(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Minute

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"plenty of time", expiry.Add(-time.Hour), true},
		{"exactly the window", expiry.Add(-window), true},
		{"one second short", expiry.Add(-window + time.Second), false},
		{"past expiry", expiry.Add(time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commitWindowOK(expiry, tt.now, window); got != tt.want {
				t.Errorf("commitWindowOK = %v, want %v", got, tt.want)
			}
		})
	}
}
