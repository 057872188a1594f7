package monitoring

import (
	"context"
	"fmt"
	"time"
)

// AddConnectionCheck reports unhealthy once done is closed, for example when
// the signaling connection drops.
func (h *HealthChecker) AddConnectionCheck(name string, done <-chan struct{}) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		select {
		case <-done:
			return false, fmt.Errorf("%s disconnected", name)
		default:
			return true, nil
		}
	}, time.Second)
}

// AddCapacityCheck reports unhealthy when active reaches max.
func (h *HealthChecker) AddCapacityCheck(name string, active func() int, max int) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if n := active(); max > 0 && n >= max {
			return false, fmt.Errorf("%d of %d in use", n, max)
		}
		return true, nil
	}, time.Second)
}
