package actor

import (
	"context"
	"time"

	"codeguard/internal/logger"
)

// Every posts tick into m every interval until ctx ends. The next tick is armed
// before the current one is posted, so a slow or failing tick never stops the schedule.
func Every(ctx context.Context, m *Mailbox, interval time.Duration, tick func(context.Context)) {
	if interval <= 0 {
		return
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.Done():
			return
		case <-timer.C:
			timer.Reset(interval)
			if err := m.Post(tick); err != nil {
				logger.Warnf("Actor %s skipped scheduled tick: %v", m.Name(), err)
			}
		}
	}
}
