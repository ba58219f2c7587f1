package protocol

import (
	"testing"
	"time"
)

func TestBackoff_Exponential(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 4, want: 10 * time.Second}, // capped
		{attempt: 20, want: 10 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Fixed(t *testing.T) {
	b := Backoff{Initial: 500 * time.Millisecond, Max: time.Minute, Multiplier: 1}
	for attempt := 0; attempt < 5; attempt++ {
		if got := b.Delay(attempt); got != 500*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want fixed 500ms", attempt, got)
		}
	}
}

func TestBackoff_ZeroValueDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != time.Second {
		t.Errorf("zero-value Delay(0) = %v, want 1s", got)
	}
	if got := b.Delay(1); got != 2*time.Second {
		t.Errorf("zero-value Delay(1) = %v, want 2s", got)
	}
	if got := b.Delay(100); got != 2*time.Minute {
		t.Errorf("zero-value Delay(100) = %v, want capped 2m", got)
	}
}

func TestCapabilities_Validate(t *testing.T) {
	tests := []struct {
		name    string
		caps    Capabilities
		wantErr bool
	}{
		{name: "zero value", caps: Capabilities{}},
		{name: "full featured", caps: Capabilities{Bidirectional: true, Binary: true, Batching: true, MaxBatchSize: 8, Features: []string{"rssi"}}},
		{name: "negative packet size", caps: Capabilities{MaxPacketSize: -1}, wantErr: true},
		{name: "negative batch size", caps: Capabilities{Batching: true, MaxBatchSize: -2}, wantErr: true},
		{name: "batch size without batching", caps: Capabilities{MaxBatchSize: 4}, wantErr: true},
		{name: "empty feature tag", caps: Capabilities{Features: []string{""}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.caps.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCapabilities_HasFeature(t *testing.T) {
	caps := Capabilities{Features: []string{"rssi", "keepalive"}}
	if !caps.HasFeature("rssi") {
		t.Error("HasFeature(rssi) = false")
	}
	if caps.HasFeature("dfu") {
		t.Error("HasFeature(dfu) = true")
	}
}
