package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

func newBackoff() retry.Backoff {
	return retry.WithCappedDuration(maxBackoff, retry.WithJitterPercent(10, retry.NewExponential(minBackoff)))
}

// sessionFunc runs one connected subscription. It reports whether any
// message was delivered so a healthy session resets the backoff.
type sessionFunc func(ctx context.Context) (delivered bool, err error)

// consumeLoop reruns session until ctx is done.
func consumeLoop(ctx context.Context, logger *slog.Logger, session sessionFunc) error {
	b := newBackoff()
	for {
		delivered, err := session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			b = newBackoff()
		}
		wait, _ := b.Next()
		logger.Warn("Subscription lost, reconnecting", slog.Any("error", err), slog.Duration("backoff", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
