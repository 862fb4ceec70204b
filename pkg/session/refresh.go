package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coolbeans/csscoverage/pkg/logging"
	"github.com/coolbeans/csscoverage/pkg/state"
	"github.com/coolbeans/csscoverage/pkg/storage"
)

// RefreshStats switches the source to the statistics feed and fetches it.
// While the request runs the snapshot is pending. On success the shares are
// replaced, the token and fetch time are persisted and the snapshot is ready;
// on failure it is marked failed with the error and the old shares are kept.
// If the user switched to another source meanwhile, a late result is still
// persisted but does not replace the snapshot. The age ticker, if any, is
// restarted.
func (c *Controller) RefreshStats(ctx context.Context) error {
	if c.feed == nil {
		return ErrNoFeed
	}

	c.mu.Lock()
	c.snapshot = c.snapshot.clone()
	c.snapshot.Source = state.TagStatCounter
	c.snapshot.Status = StatusPending
	c.snapshot.Err = nil
	c.mu.Unlock()
	c.restartAgeTicker()

	result, err := c.feed.Fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.snapshot.Source == state.TagStatCounter
	if err != nil {
		if current {
			next := c.snapshot.clone()
			next.Status = StatusFailed
			next.Err = err
			c.snapshot = next
		}
		logging.Logger().Warn("stats refresh failed", "error", err)
		return fmt.Errorf("refreshing stats: %w", err)
	}

	fetched := c.snapshot.clone()
	fetched.Source = state.TagStatCounter
	fetched.Shares = result.Shares.Clone()
	fetched.Status = StatusReady
	fetched.Err = nil
	fetched.UpdatedAt = result.FetchedAt
	if fetched.UpdatedAt.IsZero() {
		fetched.UpdatedAt = c.now()
	}

	save := c.saveToken
	if current {
		c.snapshot = fetched
		save = c.persist
	}
	if err := save(fetched); err != nil {
		return err
	}
	if err := storage.SetTimestamp(c.store, storage.KeyStatCounterTimestamp, fetched.UpdatedAt); err != nil {
		return fmt.Errorf("persisting stats timestamp: %w", err)
	}

	logging.Logger().Info("stats refreshed", "request_id", result.RequestID, "browsers", len(result.Shares))
	return nil
}

// StartAgeTicker calls onTick every interval with the time elapsed since the
// statistics were last updated. Starting a new ticker stops the previous one.
// The ticker stops when ctx is done or StopAgeTicker is called. It touches no
// state other than reading the update time.
func (c *Controller) StartAgeTicker(ctx context.Context, interval time.Duration, onTick func(age time.Duration)) {
	c.mu.Lock()
	c.ticker = tickerSpec{ctx: ctx, interval: interval, onTick: onTick}
	c.mu.Unlock()
	c.restartAgeTicker()
}

// StopAgeTicker stops the running age ticker, if any. Later refreshes do
// not restart it.
func (c *Controller) StopAgeTicker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = tickerSpec{}
	if c.tickerCancel != nil {
		c.tickerCancel()
		c.tickerCancel = nil
	}
}

func (c *Controller) restartAgeTicker() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tickerCancel != nil {
		c.tickerCancel()
		c.tickerCancel = nil
	}
	spec := c.ticker
	if spec.ctx == nil || spec.onTick == nil || spec.interval <= 0 {
		return
	}

	tickerCtx, cancel := context.WithCancel(spec.ctx)
	c.tickerCancel = cancel

	go func() {
		ticker := time.NewTicker(spec.interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				updated := c.snapshot.UpdatedAt
				c.mu.Unlock()
				if updated.IsZero() {
					continue
				}
				spec.onTick(c.now().Sub(updated))
			}
		}
	}()
}

// FormatAge renders an elapsed time as a short label such as
// "updated 5 minutes ago".
func FormatAge(age time.Duration) string {
	switch {
	case age < time.Minute:
		return "updated just now"
	case age < 2*time.Minute:
		return "updated 1 minute ago"
	case age < time.Hour:
		return fmt.Sprintf("updated %d minutes ago", int(age/time.Minute))
	case age < 2*time.Hour:
		return "updated 1 hour ago"
	case age < 48*time.Hour:
		return fmt.Sprintf("updated %d hours ago", int(age/time.Hour))
	default:
		return fmt.Sprintf("updated %d days ago", int(age/(24*time.Hour)))
	}
}
