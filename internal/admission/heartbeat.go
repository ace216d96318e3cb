package admission

import (
	"context"
	"log"
	"time"

	"github.com/3mdistal/ralph/internal/queue"
)

// Heartbeater renews ownership of every in-flight task so other daemons see
// the claim as live.
type Heartbeater struct {
	queue    queue.Backend
	inflight *InFlight
	daemonID string
	interval time.Duration
	now      func() time.Time
}

// NewHeartbeater creates a heartbeater for the admitter's in-flight set
func NewHeartbeater(q queue.Backend, a *Admitter, interval time.Duration) *Heartbeater {
	return &Heartbeater{
		queue:    q,
		inflight: a.inflight,
		daemonID: a.daemonID,
		interval: interval,
		now:      a.now,
	}
}

// Run beats on every interval until ctx is done
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

// Beat renews every in-flight key once and returns how many succeeded.
// Failures are logged; a missed beat only matters if it lasts a full TTL.
func (h *Heartbeater) Beat(ctx context.Context) int {
	renewed := 0
	now := h.now()
	for _, key := range h.inflight.Keys() {
		if err := h.queue.Heartbeat(ctx, key, h.daemonID, now); err != nil {
			log.Printf("[admission] heartbeat for %s failed: %v", key, err)
			continue
		}
		renewed++
	}
	return renewed
}
