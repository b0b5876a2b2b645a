package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// SweepResult summarizes one liveness sweep
type SweepResult struct {
	Expired int
	Pinged  int
	Failed  int
}

// Run performs the liveness sweep every HeartbeatInterval until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res := h.Sweep()
			if res.Expired > 0 || res.Failed > 0 {
				h.log.Infof("liveness sweep: %d expired, %d ping failures, %d pinged", res.Expired, res.Failed, res.Pinged)
			}
		}
	}
}

// Sweep drops channels silent for longer than HeartbeatTimeout and pings
// the rest to surface half-open sockets.
func (h *Hub) Sweep() SweepResult {
	now := h.now()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.channels))
	for c := range h.channels {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var res SweepResult
	var alive []*Client
	for _, c := range clients {
		if now.Sub(c.LastHeartbeat()) > h.cfg.HeartbeatTimeout {
			h.log.Infof("heartbeat timeout for %q, last seen %s", c.UserID(), c.LastHeartbeat().Format("15:04:05"))
			h.disconnect(c, websocket.CloseGoingAway, "heartbeat timeout")
			res.Expired++
			continue
		}
		alive = append(alive, c)
	}

	// Each ping is bounded by writeWait.
	var failed atomic.Int32
	var wg sync.WaitGroup
	for _, c := range alive {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.ping(); err != nil {
				h.log.Debugf("ping to %q failed: %v", c.UserID(), err)
				h.disconnect(c, websocket.CloseGoingAway, "ping failed")
				failed.Add(1)
			}
		}(c)
	}
	wg.Wait()

	res.Failed = int(failed.Load())
	res.Pinged = len(alive) - res.Failed
	return res
}
