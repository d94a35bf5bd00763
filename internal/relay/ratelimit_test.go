package relay

import (
	"sync"
	"testing"
)

func TestRateLimiterCapsCount(t *testing.T) {
	r := newRateLimiter(3)
	for i := 0; i < 3; i++ {
		if !r.allow() {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if r.allow() {
		t.Fatal("call past the limit should be denied")
	}
}

func TestRateLimiterZeroDisables(t *testing.T) {
	r := newRateLimiter(0)
	for i := 0; i < 1000; i++ {
		if !r.allow() {
			t.Fatal("zero limit must never deny")
		}
	}
}

func TestRateLimiterConcurrentUse(t *testing.T) {
	const limit = 100
	r := newRateLimiter(limit)
	stop := make(chan struct{})
	defer close(stop)
	r.startReset(stop)

	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if r.allow() {
					allowed[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	if total != limit {
		t.Fatalf("expected exactly %d allowed across goroutines, got %d", limit, total)
	}
}
