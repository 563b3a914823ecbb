package pkceclient

import (
	"sync"
	"testing"
	"time"
)

func TestPendingStore(t *testing.T) {
	now := time.Now()
	p := newPendingStore(time.Hour)

	p.put(&pendingLogin{State: "a", ExpiresAt: now.Add(time.Minute)}, now)
	p.put(&pendingLogin{State: "b", ExpiresAt: now.Add(time.Minute)}, now)

	if _, res := p.consume("nope", now); res != consumeUnknown {
		t.Errorf("want unknown, got %v", res)
	}
	if pl, res := p.consume("a", now); res != consumeOK || pl.State != "a" {
		t.Errorf("want a, got %v %v", pl, res)
	}
	if _, res := p.consume("a", now); res != consumeSpent {
		t.Errorf("want spent on second consume, got %v", res)
	}

	later := now.Add(2 * time.Minute)
	if p.active(later) {
		t.Error("b should have timed out")
	}
	if _, res := p.consume("b", later); res != consumeSpent {
		t.Errorf("want spent for timed out attempt, got %v", res)
	}

	// tombstones are eventually forgotten.
	if _, res := p.consume("a", now.Add(2*time.Hour)); res != consumeUnknown {
		t.Errorf("want unknown after retention, got %v", res)
	}
}

func TestPendingStoreConsumeOnce(t *testing.T) {
	now := time.Now()
	p := newPendingStore(time.Hour)
	p.put(&pendingLogin{State: "s", ExpiresAt: now.Add(time.Minute)}, now)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for range 50 {
		wg.Go(func() {
			if _, res := p.consume("s", now); res == consumeOK {
				mu.Lock()
				won++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("want exactly one consumer, got %d", won)
	}
}
