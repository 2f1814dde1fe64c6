package crm

import (
	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// withRetry wraps exactly one call site with the retry policy: retry only
// CrmTransient failures (network errors, 5xx, rate-limit-exceeded),
// never CrmValidation ones, sleeping retryDelays[min(attempt-1, len-1)]
// between attempts. It is applied once per client method body and never
// composed across calls.
func (c *Client) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.IsKind(err, domain.KindCrmTransient) {
			return err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := c.cfg.RetryDelays[minInt(attempt-1, len(c.cfg.RetryDelays)-1)]
		c.logger.Warn("crm call transient failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		c.sleep(delay)
	}

	c.logger.Error("crm call failed after retries", zap.String("op", op), zap.Int("attempts", c.cfg.MaxRetries), zap.Error(lastErr))
	return lastErr
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
