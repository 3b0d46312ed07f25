package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// BroadcastFunc sends the current online count to every connected client.
type BroadcastFunc func(count int64)

// Counter periodically publishes the number of connected clients.
type Counter struct {
	store    Store
	interval time.Duration
	publish  BroadcastFunc
	logger   logrus.FieldLogger
}

func NewCounter(store Store, interval time.Duration, publish BroadcastFunc, logger logrus.FieldLogger) *Counter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Counter{store: store, interval: interval, publish: publish, logger: logger}
}

// Current returns the online count, or 0 when the store is unavailable.
func (c *Counter) Current(ctx context.Context) int64 {
	n, err := c.store.Count(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read online count")
		return 0
	}
	return n
}

// Run publishes the count every interval until ctx is cancelled.
func (c *Counter) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publish(c.Current(ctx))
		}
	}
}
