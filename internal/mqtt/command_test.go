package mqtt

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"poll", "poll", "poll", false},
		{"scan", "scan", "scan", false},
		{"uppercase", "POLL", "poll", false},
		{"surrounding whitespace", "  scan\n", "scan", false},
		{"json action", `{"action":"poll"}`, "poll", false},
		{"json action uppercase", `{"action": "SCAN"}`, "scan", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"unknown", "reboot", "", true},
		{"json wrong key", `{"command":"poll"}`, "", true},
		{"json malformed", `{"action":`, "", true},
		{"json unknown action", `{"action":"reboot"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseCommand(%q) = %q, want error", tt.payload, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand(%q) error = %v", tt.payload, err)
			}
			if got != tt.want {
				t.Errorf("parseCommand(%q) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}

func TestCommandRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newCommandRateLimiter(5, time.Minute, logger)

	// First 5 should be allowed.
	for i := range 5 {
		if !rl.allow() {
			t.Errorf("command %d should have been allowed", i)
		}
	}

	// 6th should be dropped.
	if rl.allow() {
		t.Error("command 6 should have been rate-limited")
	}

	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestCommandRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newCommandRateLimiter(1000, time.Minute, logger)

	// Hammer the rate limiter from multiple goroutines.
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	// count tracks all calls to allow(); dropped tracks the subset
	// that exceeded the limit. So count should equal total calls.
	count := rl.count.Load()
	if count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	// With limit 1000 and 2000 calls, exactly 1000 should be dropped.
	dropped := rl.dropped.Load()
	if dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
