package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheHit(t *testing.T) {
	c := NewCoalescer(0, nil)
	ctx := context.Background()

	var calls int32
	fetch := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := Cached(ctx, c, "k", "", time.Minute, fetch)
		if err != nil {
			t.Fatal(err)
		}
		if v != 42 {
			t.Fatalf("v = %d, want 42", v)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("underlying calls = %d, want 1", n)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCoalescer(0, nil)
	ctx := context.Background()

	var calls int32
	fetch := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	}

	if _, err := Cached(ctx, c, "k", "", 20*time.Millisecond, fetch); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := Cached(ctx, c, "k", "", 20*time.Millisecond, fetch); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("underlying calls = %d, want 2 after TTL expiry", n)
	}
}

func TestSingleFlight(t *testing.T) {
	c := NewCoalescer(0, nil)
	ctx := context.Background()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return "result", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Cached(ctx, c, "k", "", 0, fetch)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v
		}(i)
	}
	<-started
	// Give the second caller time to join the in-flight slot.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("underlying calls = %d, want 1 for concurrent identical keys", n)
	}
	if results[0] != "result" || results[1] != "result" {
		t.Errorf("results = %v", results)
	}
}

func TestErrorPropagatesAndIsNotCached(t *testing.T) {
	c := NewCoalescer(0, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	var calls int32
	fetch := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&calls) == 1 {
			return 0, boom
		}
		return 7, nil
	}

	if _, err := Cached(ctx, c, "k", "", time.Minute, fetch); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	// The failure must not be cached: next call hits the network again.
	v, err := Cached(ctx, c, "k", "", time.Minute, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Errorf("v = %d, want 7", v)
	}
}

func TestPeerThrottle(t *testing.T) {
	c := NewCoalescer(60*time.Millisecond, nil)
	ctx := context.Background()

	fetch := func(context.Context) (int, error) { return 0, nil }

	start := time.Now()
	if _, err := Cached(ctx, c, "a", "peer1", 0, fetch); err != nil {
		t.Fatal(err)
	}
	// Different key, same peer: must wait out the spacing.
	if _, err := Cached(ctx, c, "b", "peer1", 0, fetch); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("second call to same peer ran after %s, want >= 60ms", elapsed)
	}

	// A different peer is not delayed by peer1's slot.
	start = time.Now()
	if _, err := Cached(ctx, c, "c", "peer2", 0, fetch); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("unrelated peer delayed %s", elapsed)
	}
}

func TestFloodWaitExtendsGlobalWindow(t *testing.T) {
	c := NewCoalescer(0, nil)
	ctx := context.Background()

	flood := func(context.Context) (int, error) {
		return 0, &FloodWaitError{Wait: 80 * time.Millisecond}
	}
	if _, err := Cached(ctx, c, "a", "peer1", 0, flood); err == nil {
		t.Fatal("expected flood error")
	}
	if c.CooldownUntil().Before(time.Now().Add(60 * time.Millisecond)) {
		t.Error("cooldown window not extended past signaled wait")
	}

	// Any peer is delayed until the window elapses.
	start := time.Now()
	ok := func(context.Context) (int, error) { return 1, nil }
	if _, err := Cached(ctx, c, "b", "peer2", 0, ok); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("call during backoff ran after %s, want >= 80ms", elapsed)
	}
}

func TestCacheHitSkipsThrottle(t *testing.T) {
	c := NewCoalescer(200*time.Millisecond, nil)
	ctx := context.Background()

	fetch := func(context.Context) (int, error) { return 5, nil }
	if _, err := Cached(ctx, c, "k", "peer1", time.Minute, fetch); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := Cached(ctx, c, "k", "peer1", time.Minute, fetch); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("cache hit paid throttle cost: %s", elapsed)
	}
}

func TestContextCancelDuringPacing(t *testing.T) {
	c := NewCoalescer(0, nil)

	flood := func(context.Context) (int, error) {
		return 0, &FloodWaitError{Wait: time.Minute}
	}
	_, _ = Cached(context.Background(), c, "a", "", 0, flood)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := Cached(ctx, c, "b", "", 0, func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
