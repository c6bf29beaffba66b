package session

import (
	"context"
	"fmt"
	"time"
)

// Run drives proactive background refresh until ctx is cancelled: every
// check interval the remaining token lifetime is compared against the
// refresh threshold. This is best-effort maintenance to avoid user-visible
// interruptions; Validate's refresh-before-validate covers correctness.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	c.log.Debug().Dur("interval", c.checkInterval).Msg("proactive refresh loop started")
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("proactive refresh loop stopped")
			return
		case <-ticker.C:
			c.maintain(ctx)
		}
	}
}

func (c *Coordinator) maintain(ctx context.Context) {
	if !c.Snapshot().IsAuthenticated {
		return
	}
	if !c.needsRefresh() {
		return
	}
	if _, err := c.RefreshToken(ctx); err != nil {
		// Transient outcomes retry on the next tick; terminal ones have
		// already torn the session down.
		c.log.Warn().Err(err).Msg("proactive refresh failed")
	}
}

// needsRefresh reports whether the stored token's remaining lifetime is at
// or below the refresh threshold. A token expiring exactly now counts.
func (c *Coordinator) needsRefresh() bool {
	exp, ok := c.store.Expiry()
	if !ok {
		return false
	}
	return time.Duration(exp-c.nowTime().Unix())*time.Second <= c.refreshThreshold
}

// Remaining returns the time left before the stored token expires, zero
// when expired or unknown.
func (c *Coordinator) Remaining() time.Duration {
	exp, ok := c.store.Expiry()
	if !ok {
		return 0
	}
	remaining := time.Duration(exp-c.nowTime().Unix()) * time.Second
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AboutToExpire reports whether the session expires within the given
// threshold but has not expired yet.
func (c *Coordinator) AboutToExpire(threshold time.Duration) bool {
	remaining := c.Remaining()
	return remaining > 0 && remaining < threshold
}

// FormattedRemaining renders the countdown shown in the session badge.
func (c *Coordinator) FormattedRemaining() string {
	remaining := c.Remaining()
	if remaining <= 0 {
		return "Expirado"
	}
	minutes := int(remaining.Minutes())
	seconds := int(remaining.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", minutes, seconds)
}
