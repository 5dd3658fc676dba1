package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Commands accepted on the bridge command topic.
const (
	CommandPoll = "poll" // run a poll cycle now
	CommandScan = "scan" // run a discovery scan now
)

// CommandHandler is called for each valid command received on the
// bridge command topic. Implementations must be safe for concurrent
// use; the paho router invokes them from its receive goroutine.
type CommandHandler func(command string)

// parseCommand normalizes an inbound command payload. Plain strings
// work from mosquitto_pub without quoting; {"action": "..."} works
// from HA automations that publish JSON service payloads.
func parseCommand(payload []byte) (string, error) {
	raw := strings.TrimSpace(string(payload))
	if strings.HasPrefix(raw, "{") {
		var doc struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return "", fmt.Errorf("parse command JSON: %w", err)
		}
		raw = doc.Action
	}

	cmd := strings.ToLower(strings.TrimSpace(raw))
	switch cmd {
	case CommandPoll, CommandScan:
		return cmd, nil
	case "":
		return "", fmt.Errorf("empty command")
	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

// commandRateLimiter drops command bursts so a misbehaving automation
// cannot keep the Bluetooth radio permanently busy. Atomic counters
// keep the receive path lock-free.
type commandRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandRateLimiter {
	return &commandRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the counter and logs
// a warning if any commands were dropped.
func (r *commandRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the command counter and returns true if the current
// count is within the limit. If over the limit it increments the
// dropped counter and returns false.
func (r *commandRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
