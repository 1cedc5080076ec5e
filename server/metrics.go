package main

import (
	"context"
	"log/slog"
	"time"
)

// RunMetrics logs server stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, state *ServerState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clients := state.SubscriberCount()
			inCall := len(state.Roster())
			logLen := state.LogLen()
			if clients > 0 {
				slog.Info("metrics", "component", "metrics", "clients", clients, "in_call", inCall, "log_len", logLen)
			}
		}
	}
}
