package fswatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/watchforge/fswatch/internal/command"
	"github.com/watchforge/fswatch/internal/engine"
	"github.com/watchforge/fswatch/internal/goid"
	"github.com/watchforge/fswatch/internal/metrics"
)

// platformFactory is the registered platform-specific engine constructor.
// Exactly one of factory_linux.go, factory_darwin.go, factory_windows.go, or
// factory_other.go is compiled in for any given build, and each sets this
// variable from its init(). Start fails if, somehow, none did.
var platformFactory func(opts engine.Options, sink engine.Sink) (engine.Engine, error)

// Watcher is the top-level object owning one worker goroutine, one command
// queue, one platform engine, and one callback handle (spec.md section 3).
// Create one with Start; it is terminated exactly once via Terminate.
type Watcher struct {
	cb   Callback
	opts Options

	eng   engine.Engine
	queue *command.Queue

	workerGoid  atomic.Int64
	terminating atomic.Bool
	workerDone  chan struct{}
	terminated  chan struct{}
	terminateErr error
}

// Start constructs a Watcher backed by the current platform's engine and
// begins its worker goroutine. No event is delivered to cb before Start
// returns, because no path can be live until a subsequent Register call has
// completed.
func Start(cb Callback, opts Options) (*Watcher, error) {
	if cb == nil {
		return nil, fmt.Errorf("fswatch: callback must not be nil")
	}
	if platformFactory == nil {
		return nil, fmt.Errorf("fswatch: no platform engine registered for this build")
	}

	w := &Watcher{
		cb:         cb,
		opts:       opts,
		workerDone: make(chan struct{}),
		terminated: make(chan struct{}),
	}
	w.workerGoid.Store(-1)

	eng, err := platformFactory(engine.Options{DarwinLatency: opts.darwinLatency(), Logger: opts.logger()}, w)
	if err != nil {
		return nil, err
	}
	w.eng = eng
	w.queue = command.New(eng)

	go w.runWorker()

	return w, nil
}

func (w *Watcher) runWorker() {
	w.workerGoid.Store(goid.Current())
	w.eng.Run(w.queue)
	close(w.workerDone)
}

// onWorkerGoroutine reports whether the calling goroutine is this Watcher's
// worker — i.e. whether a Callback method is reentering the Watcher's
// public API from inside its own dispatch.
func (w *Watcher) onWorkerGoroutine() bool {
	return goid.Current() == w.workerGoid.Load()
}

// Register arms watch points for paths. Registering an already-watched
// path fails with ErrAlreadyWatched unless the existing watch point has
// already reached FINISHED, in which case it is removed and re-armed. Paths
// that fail leave the watch-point set unchanged for that path; other paths
// in the same call that succeeded remain watched.
func (w *Watcher) Register(paths ...string) error {
	if w.onWorkerGoroutine() {
		return ErrReentrant
	}
	if w.terminating.Load() {
		return ErrShuttingDown
	}
	if len(paths) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.commandTimeout())
	defer cancel()

	_, err := w.queue.Submit(ctx, command.NewRegister(paths))
	return w.translate(err)
}

// Unregister tears down watch points for paths. It returns false iff at
// least one path was not registered; it still attempts to unregister the
// rest. Submission failures (timeout, shutting down) are reported through
// Callback.OnError, since this call's signature carries no error value, and
// are also treated as false.
func (w *Watcher) Unregister(paths ...string) bool {
	if w.onWorkerGoroutine() {
		w.cb.OnError(ErrReentrant)
		return false
	}
	if w.terminating.Load() {
		w.cb.OnError(ErrShuttingDown)
		return false
	}
	if len(paths) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.commandTimeout())
	defer cancel()

	val, err := w.queue.Submit(ctx, command.NewUnregister(paths))
	if err != nil {
		w.cb.OnError(w.translate(err))
		return false
	}
	allFound, _ := val.(bool)
	return allFound
}

// Terminate cancels every live watch point and stops the worker goroutine.
// It is idempotent: calling it twice has the same effect as once, and the
// second call returns the same result as the first without resubmitting
// anything.
func (w *Watcher) Terminate() error {
	if w.onWorkerGoroutine() {
		return ErrReentrant
	}
	if !w.terminating.CompareAndSwap(false, true) {
		<-w.terminated
		return w.terminateErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.commandTimeout())
	defer cancel()

	_, err := w.queue.Submit(ctx, command.NewTerminate())
	w.queue.Close()

	if err != nil {
		w.terminateErr = w.translate(err)
	} else {
		select {
		case <-w.workerDone:
		case <-time.After(terminateJoinBound):
			w.terminateErr = fmt.Errorf("fswatch: terminate: %w: worker did not exit within %s", ErrTimeout, terminateJoinBound)
		}
	}

	close(w.terminated)
	return w.terminateErr
}

// translate maps the command package's plain sentinel errors onto this
// package's typed taxonomy, leaving engine-originated errors (ErrAlreadyWatched,
// ErrInvalidPath, *OSError, ...) untouched.
func (w *Watcher) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, command.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, command.ErrShuttingDown):
		return ErrShuttingDown
	default:
		return err
	}
}

// --- engine.Sink -----------------------------------------------------------

// Event implements engine.Sink.
func (w *Watcher) Event(kind int, path string) {
	ek := EventKind(kind)
	metrics.EventsTotal.WithLabelValues(ek.String()).Inc()
	w.cb.OnEvent(ek, path)
}

// Overflow implements engine.Sink.
func (w *Watcher) Overflow(root string) {
	metrics.OverflowTotal.Inc()
	w.cb.OnOverflow(root)
}

// Error implements engine.Sink.
func (w *Watcher) Error(err error) {
	metrics.ErrorsTotal.Inc()
	w.cb.OnError(err)
}
