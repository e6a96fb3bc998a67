package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAccessQueueEnforcesMinimumInterval(t *testing.T) {
	queue := NewAccessQueue(50 * time.Millisecond)
	ctx := context.Background()

	var timestamps []time.Time
	for i := 0; i < 3; i++ {
		err := queue.Do(ctx, func(ctx context.Context) error {
			timestamps = append(timestamps, time.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		if gap < 45*time.Millisecond {
			t.Fatalf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestAccessQueueCancelledWaiterAborts(t *testing.T) {
	queue := NewAccessQueue(time.Hour)
	ctx := context.Background()

	if err := queue.Do(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("first call: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- queue.Do(cancelCtx, func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}

func TestAccessQueueSerializesConcurrentCallers(t *testing.T) {
	queue := NewAccessQueue(time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = queue.Do(ctx, func(ctx context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("expected serialized calls, saw %d in flight", maxInFlight)
	}
}

func TestAccessQueueCallErrorDoesNotPoisonQueue(t *testing.T) {
	queue := NewAccessQueue(time.Millisecond)
	ctx := context.Background()

	wantErr := errors.New("boom")
	if err := queue.Do(ctx, func(ctx context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("want %v, got %v", wantErr, err)
	}
	if err := queue.Do(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("queue unusable after failed call: %v", err)
	}
}
