package fswatch_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/watchforge/fswatch"
)

// recordingCallback collects everything delivered to it, safe for
// concurrent use since callbacks fire on the Watcher's own worker
// goroutine while tests read from the main goroutine.
type recordingCallback struct {
	mu        sync.Mutex
	events    []fswatch.Event
	overflows []string
	errs      []error
}

func (c *recordingCallback) OnEvent(kind fswatch.EventKind, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, fswatch.Event{Kind: kind, Path: path})
}

func (c *recordingCallback) OnOverflow(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overflows = append(c.overflows, root)
}

func (c *recordingCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *recordingCallback) snapshot() []fswatch.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fswatch.Event, len(c.events))
	copy(out, c.events)
	return out
}

// waitForEvent polls snapshot until pred matches one event or timeout
// elapses.
func waitForEvent(t *testing.T, cb *recordingCallback, timeout time.Duration, pred func(fswatch.Event) bool) fswatch.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, ev := range cb.snapshot() {
			if pred(ev) {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for matching event; saw %+v", cb.snapshot())
	return fswatch.Event{}
}

func startWatcher(t *testing.T, cb fswatch.Callback) *fswatch.Watcher {
	t.Helper()
	w, err := fswatch.Start(cb, fswatch.Options{CommandTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		w.Terminate()
	})
	return w
}

func TestRegisterAndObserveCreate(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallback{}
	w := startWatcher(t, cb)

	if err := w.Register(dir); err != nil {
		t.Fatalf("Register: %v", err)
	}

	target := filepath.Join(dir, "new-file.txt")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitForEvent(t, cb, 3*time.Second, func(ev fswatch.Event) bool {
		return ev.Path == target && (ev.Kind == fswatch.Created || ev.Kind == fswatch.Modified)
	})
}

func TestRegisterAlreadyWatchedFails(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallback{}
	w := startWatcher(t, cb)

	if err := w.Register(dir); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := w.Register(dir)
	if !errors.Is(err, fswatch.ErrAlreadyWatched) {
		t.Fatalf("second Register err = %v, want ErrAlreadyWatched", err)
	}
}

func TestUnregisterReportsUnknownPath(t *testing.T) {
	cb := &recordingCallback{}
	w := startWatcher(t, cb)

	ok := w.Unregister(filepath.Join(t.TempDir(), "never-registered"))
	if ok {
		t.Fatal("Unregister of an unknown path returned true, want false")
	}
}

func TestUnregisterThenReRegisterSucceeds(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallback{}
	w := startWatcher(t, cb)

	if err := w.Register(dir); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ok := w.Unregister(dir); !ok {
		t.Fatalf("Unregister: want true")
	}
	if err := w.Register(dir); err != nil {
		t.Fatalf("re-Register after Unregister: %v", err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	cb := &recordingCallback{}
	w, err := fswatch.Start(cb, fswatch.Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	err1 := w.Terminate()
	err2 := w.Terminate()
	if err1 != err2 {
		t.Fatalf("Terminate results differ across calls: %v vs %v", err1, err2)
	}
}

func TestRegisterAfterTerminateFailsWithShuttingDown(t *testing.T) {
	cb := &recordingCallback{}
	w, err := fswatch.Start(cb, fswatch.Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	err = w.Register(t.TempDir())
	if !errors.Is(err, fswatch.ErrShuttingDown) {
		t.Fatalf("Register after Terminate err = %v, want ErrShuttingDown", err)
	}
}

func TestStartRejectsNilCallback(t *testing.T) {
	_, err := fswatch.Start(nil, fswatch.Options{})
	if err == nil {
		t.Fatal("expected error for nil callback, got nil")
	}
}

func TestNoEventsBeforeRegisterCompletes(t *testing.T) {
	// Writing into a directory before it is registered must never produce
	// an event for that write once registration later succeeds; the
	// watcher must only observe changes after Register has returned.
	dir := t.TempDir()
	preexisting := filepath.Join(dir, "already-there.txt")
	if err := os.WriteFile(preexisting, []byte("before"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cb := &recordingCallback{}
	w := startWatcher(t, cb)
	if err := w.Register(dir); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Give the engine a moment; no event for the pre-existing file should
	// ever surface since it was never a create/modify observed by the
	// kernel after the watch was armed.
	time.Sleep(100 * time.Millisecond)
	for _, ev := range cb.snapshot() {
		if ev.Path == preexisting {
			t.Fatalf("unexpected event for pre-existing file: %+v", ev)
		}
	}
}
