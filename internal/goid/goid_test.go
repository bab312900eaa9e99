package goid_test

import (
	"sync"
	"testing"

	"github.com/watchforge/fswatch/internal/goid"
)

func TestCurrentIsStableWithinAGoroutine(t *testing.T) {
	a := goid.Current()
	b := goid.Current()
	if a != b {
		t.Fatalf("Current() changed within the same goroutine: %d != %d", a, b)
	}
	if a < 0 {
		t.Fatalf("Current() = %d, want a non-negative id", a)
	}
}

func TestCurrentDiffersAcrossGoroutines(t *testing.T) {
	main := goid.Current()

	other := make(chan int64, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		other <- goid.Current()
	}()
	wg.Wait()

	if got := <-other; got == main {
		t.Fatalf("goroutine id collided with caller's: %d", got)
	}
}
