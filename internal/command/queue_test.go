package command_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/watchforge/fswatch/internal/command"
)

// fakeWaker records how many times Wake was called and optionally drains
// the queue itself, simulating a worker goroutine parked behind a blocking
// wait.
type fakeWaker struct {
	mu      sync.Mutex
	wakes   int
	drainFn func()
}

func (w *fakeWaker) Wake() {
	w.mu.Lock()
	w.wakes++
	drain := w.drainFn
	w.mu.Unlock()
	if drain != nil {
		drain()
	}
}

func TestSubmitWakesAndCompletes(t *testing.T) {
	w := &fakeWaker{}
	q := command.New(w)
	w.drainFn = func() {
		q.Drain(func(cmd *command.Command) (any, error) {
			return "ok", nil
		})
	}

	val, err := q.Submit(context.Background(), command.NewRegister([]string{"/a"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" {
		t.Fatalf("val = %v, want ok", val)
	}
	if w.wakes != 1 {
		t.Fatalf("wakes = %d, want 1", w.wakes)
	}
}

func TestSubmitPropagatesExecutorError(t *testing.T) {
	w := &fakeWaker{}
	q := command.New(w)
	wantErr := errors.New("boom")
	w.drainFn = func() {
		q.Drain(func(cmd *command.Command) (any, error) {
			return nil, wantErr
		})
	}

	_, err := q.Submit(context.Background(), command.NewUnregister([]string{"/a"}))
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestSubmitTimesOutWithoutDraining(t *testing.T) {
	w := &fakeWaker{} // no drainFn: the command is never executed
	q := command.New(w)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Submit(ctx, command.NewTerminate())
	if !errors.Is(err, command.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSubmitAfterCloseFailsImmediately(t *testing.T) {
	w := &fakeWaker{}
	q := command.New(w)
	q.Close()

	_, err := q.Submit(context.Background(), command.NewRegister([]string{"/a"}))
	if !errors.Is(err, command.ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
	if w.wakes != 0 {
		t.Fatalf("wakes = %d, want 0 (Close must not wake the worker)", w.wakes)
	}
}

func TestDrainExecutesInFIFOOrder(t *testing.T) {
	w := &fakeWaker{}
	q := command.New(w)

	var order []string
	var mu sync.Mutex
	w.drainFn = func() {
		q.Drain(func(cmd *command.Command) (any, error) {
			mu.Lock()
			order = append(order, cmd.Paths[0])
			mu.Unlock()
			return nil, nil
		})
	}

	var wg sync.WaitGroup
	for _, p := range []string{"/a", "/b", "/c"} {
		wg.Add(1)
		p := p
		go func() {
			defer wg.Done()
			// Each Submit drains synchronously through fakeWaker.Wake, and
			// wg.Wait below lets it finish before the next one starts, so
			// this checks that commands submitted one after another are
			// executed in submission order.
			q.Submit(context.Background(), command.NewRegister([]string{p}))
		}()
		wg.Wait() // force strict ordering for this particular assertion
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "/a" || order[1] != "/b" || order[2] != "/c" {
		t.Fatalf("order = %v, want [/a /b /c]", order)
	}
}

func TestDrainReturnsCountAndEmptiesQueue(t *testing.T) {
	// No drainFn: Submit calls below only enqueue, they never complete on
	// their own. Two independent goroutines submit concurrently; Drain is
	// invoked manually once both are enqueued.
	w := &fakeWaker{}
	q := command.New(w)

	done := make(chan struct{}, 2)
	for _, p := range []string{"/a", "/b"} {
		p := p
		go func() {
			q.Submit(context.Background(), command.NewRegister([]string{p}))
			done <- struct{}{}
		}()
	}

	// Give both goroutines a chance to enqueue before draining.
	deadline := time.Now().Add(time.Second)
	for {
		w.mu.Lock()
		wakes := w.wakes
		w.mu.Unlock()
		if wakes >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	n := q.Drain(func(cmd *command.Command) (any, error) { return nil, nil })
	if n != 2 {
		t.Fatalf("Drain returned %d, want 2", n)
	}
	<-done
	<-done

	n = q.Drain(func(cmd *command.Command) (any, error) { return nil, nil })
	if n != 0 {
		t.Fatalf("second Drain returned %d, want 0", n)
	}
}

func TestKindString(t *testing.T) {
	cases := map[command.Kind]string{
		command.Register:   "register",
		command.Unregister: "unregister",
		command.Terminate:  "terminate",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", kind, got, want)
		}
	}
}
