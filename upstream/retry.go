package upstream

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// RetryPolicy bounds transient-failure retries for upstream calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	maxAttempts := 4
	if v := strings.TrimSpace(os.Getenv("MAIL_FETCH_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// IsRetryable reports whether the error is a transient upstream failure:
// rate limiting, server-side errors, or network trouble.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || (apiErr.Code >= 500 && apiErr.Code <= 599) {
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// IsAuthExpired reports whether the error means the access credential needs a
// refresh rather than a backoff retry.
func IsAuthExpired(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401
	}
	var tokenErr *oauth2.RetrieveError
	return errors.As(err, &tokenErr)
}

// CallWithRetry runs call under the retry policy. Transient errors back off
// exponentially with jitter; an expired credential triggers one refresh and a
// single immediate retry. Anything else fails fast.
func CallWithRetry(ctx context.Context, policy RetryPolicy, refresh func(ctx context.Context) error, call func(ctx context.Context) error) error {
	logger := config.GetLogger()
	refreshed := false

	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = call(ctx)
		if err == nil {
			return nil
		}

		if IsAuthExpired(err) {
			if refreshed || refresh == nil {
				return err
			}
			refreshed = true
			logger.WithFields(logrus.Fields{"module": "upstream"}).Warn("credential expired; refreshing")
			if refreshErr := refresh(ctx); refreshErr != nil {
				return refreshErr
			}
			continue
		}

		if !IsRetryable(err) {
			return err
		}

		delay := policy.BaseDelay * time.Duration(1<<min(attempt, 5))
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		delay += time.Duration(rand.Int63n(int64(policy.BaseDelay)))
		logger.WithFields(logrus.Fields{
			"module":  "upstream",
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("transient upstream error; backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
