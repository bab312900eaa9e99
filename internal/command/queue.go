// Package command implements the FIFO command queue and synchronous
// call-and-wait semantics shared by every platform engine: a foreign
// goroutine appends a Command, wakes the worker through a platform-supplied
// Waker, and blocks until the worker has executed it (or the caller's
// context is done). The worker itself only ever calls Drain, from whatever
// platform-specific blocking wait it is parked in (CFRunLoopRun, SleepEx,
// poll).
//
// Commands complete in submission order relative to a single submitter;
// commands from distinct submitters may interleave, but the worker executes
// them one at a time, so no two commands ever run concurrently with respect
// to kernel state.
package command

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/watchforge/fswatch/internal/metrics"
)

// Kind identifies the operation a Command performs.
type Kind int

const (
	// Register arms new watch points for Paths.
	Register Kind = iota
	// Unregister tears down watch points for Paths.
	Unregister
	// Terminate cancels every live watch point and stops the worker.
	Terminate
)

func (k Kind) String() string {
	switch k {
	case Register:
		return "register"
	case Unregister:
		return "unregister"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Command is a single unit of work submitted to the worker. Each command
// carries a completion channel and, once executed, either its return value
// or a captured error — never both. A Command is never executed more than
// once.
type Command struct {
	ID    string
	Kind  Kind
	Paths []string

	done chan struct{}
	err  error
	val  any
}

// newCommand allocates a Command with its completion channel ready.
func newCommand(kind Kind, paths []string) *Command {
	return &Command{
		ID:    uuid.NewString(),
		Kind:  kind,
		Paths: paths,
		done:  make(chan struct{}),
	}
}

// NewRegister builds a Register command for paths.
func NewRegister(paths []string) *Command { return newCommand(Register, paths) }

// NewUnregister builds an Unregister command for paths.
func NewUnregister(paths []string) *Command { return newCommand(Unregister, paths) }

// NewTerminate builds a Terminate command.
func NewTerminate() *Command { return newCommand(Terminate, nil) }

// Waker wakes the worker's blocked wait so it observes newly queued
// commands. Each platform engine supplies its own: a CFRunLoopSource signal
// on macOS, QueueUserAPC on Windows, a single byte written to an eventfd on
// Linux.
type Waker interface {
	Wake()
}

// Queue is the FIFO of commands awaiting execution on the worker goroutine.
// It is safe for concurrent use by any number of submitting goroutines; only
// the worker goroutine calls Drain.
type Queue struct {
	waker Waker

	mu     sync.Mutex
	items  []*Command
	closed bool
}

// New creates a Queue that wakes w whenever a command is appended.
func New(w Waker) *Queue {
	return &Queue{waker: w}
}

// ErrShuttingDown and ErrTimeout are Submit's own sentinel errors, kept
// separate from the fswatch package's error taxonomy so this package never
// imports the root package (which implements engine.Sink and would create
// an import cycle). The root package maps these onto its own
// ErrShuttingDown/ErrTimeout with errors.Is at the API boundary.
var (
	ErrShuttingDown = errors.New("command queue: shutting down")
	ErrTimeout      = errors.New("command queue: submitter timed out waiting for completion")
)

// Submit appends cmd to the queue, wakes the worker, and blocks until the
// worker marks cmd executed or ctx is done. It returns the command's result
// (possibly nil) or its captured error, or ErrTimeout/ErrShuttingDown.
func (q *Queue) Submit(ctx context.Context, cmd *Command) (any, error) {
	start := time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrShuttingDown
	}
	q.items = append(q.items, cmd)
	metrics.CommandQueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	q.waker.Wake()

	select {
	case <-cmd.done:
		metrics.CommandLatencySeconds.WithLabelValues(cmd.Kind.String()).Observe(time.Since(start).Seconds())
		return cmd.val, cmd.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// Close marks the queue shut down: subsequent Submit calls fail immediately
// with ErrShuttingDown without touching the worker. Already-queued commands
// are left for a final Drain to finish; Close does not wake the worker.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain pops every currently queued command in FIFO order and invokes exec
// on each, capturing its return value or error into the command's completion
// slot and signalling its waiter. Drain must only be called from the worker
// goroutine. It returns the number of commands executed.
func (q *Queue) Drain(exec func(*Command) (any, error)) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	metrics.CommandQueueDepth.Set(0)

	for _, cmd := range items {
		cmd.val, cmd.err = exec(cmd)
		close(cmd.done)
	}
	return len(items)
}
