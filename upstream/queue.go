package upstream

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AccessQueue serializes upstream mailbox calls and enforces a minimum
// interval between consecutive calls. All fetches for a process share one
// queue so concurrent scan sessions cannot exceed the provider budget.
type AccessQueue struct {
	interval time.Duration
	slot     chan struct{}

	mu     sync.Mutex
	nextAt time.Time
}

func NewAccessQueue(interval time.Duration) *AccessQueue {
	if interval <= 0 {
		interval = time.Second
	}
	queue := &AccessQueue{
		interval: interval,
		slot:     make(chan struct{}, 1),
	}
	queue.slot <- struct{}{}
	return queue
}

// NewAccessQueueFromEnv reads MAIL_FETCH_MIN_INTERVAL_MS (default 1000).
func NewAccessQueueFromEnv() *AccessQueue {
	intervalMs := int64(1000)
	if v := strings.TrimSpace(os.Getenv("MAIL_FETCH_MIN_INTERVAL_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			intervalMs = n
		}
	}
	return NewAccessQueue(time.Duration(intervalMs) * time.Millisecond)
}

// Do runs call once the caller reaches the front of the queue and the minimum
// interval since the previous call has elapsed. A cancelled context abandons
// the wait; the abandoned turn costs the other waiters nothing.
func (q *AccessQueue) Do(ctx context.Context, call func(ctx context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.slot:
	}
	defer func() { q.slot <- struct{}{} }()

	q.mu.Lock()
	wait := time.Until(q.nextAt)
	q.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	err := call(ctx)

	q.mu.Lock()
	q.nextAt = time.Now().Add(q.interval)
	q.mu.Unlock()

	return err
}
