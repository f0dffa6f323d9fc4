package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

type healthConfig struct {
	startDelay  time.Duration
	timeout     time.Duration
	retries     int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// waitHealthy polls url until a status in [200, 400) is returned or the retry
// budget is exhausted. Attempts back off exponentially from backoffBase up to
// backoffCap. Network errors, per-attempt timeouts, and statuses >= 400 are
// all retried.
func waitHealthy(ctx context.Context, client *http.Client, url string, cfg healthConfig) error {
	if cfg.startDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.startDelay):
		}
	}

	retries := cfg.retries
	if retries < 1 {
		retries = 1
	}
	base := cfg.backoffBase
	if base <= 0 {
		base = time.Second
	}
	backoff := retry.NewExponential(base)
	if cfg.backoffCap > 0 {
		backoff = retry.WithCappedDuration(cfg.backoffCap, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(retries-1), backoff)

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := probeOnce(ctx, client, url, cfg.timeout); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return nil
}

func probeOnce(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
