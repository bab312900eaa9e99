// Package engine defines the contract every platform-specific watcher
// engine satisfies, and the Sink it reports through. The root fswatch
// package drives an Engine from its single worker goroutine; the engine
// itself owns every OS handle and is never touched from any other
// goroutine.
package engine

import (
	"log/slog"
	"time"

	"github.com/watchforge/fswatch/internal/command"
)

// Options carries the subset of fswatch.Options each platform engine needs,
// kept separate from the root package's Options so this package never
// imports it (the root package imports engine, not the other way around).
type Options struct {
	// DarwinLatency is the FSEventStream coalescing latency.
	DarwinLatency time.Duration

	// Logger receives warning-level logs for degraded conditions each
	// engine recovers from on its own. Never nil.
	Logger *slog.Logger
}

// Sink is the outbound interface an Engine reports through. It mirrors
// spec.md 4.5's report_change / report_overflow / report_error, and is
// implemented by the root fswatch.Watcher.
type Sink interface {
	// Event reports a single canonical change. kind is one of the
	// EventKind values defined in the root package, passed as an int to
	// avoid an import cycle between engine and the root package.
	Event(kind int, path string)
	// Overflow reports that root needs a rescan.
	Overflow(root string)
	// Error reports an out-of-band failure during event dispatch.
	Error(err error)
}

// Engine is the platform-specific half of a Watcher: it owns the kernel
// subscription(s) for every registered root and normalizes raw OS
// notifications into calls on its Sink. Run is invoked exactly once, from
// the Watcher's worker goroutine, and blocks until a Terminate command has
// been executed and every underlying kernel resource is torn down. The
// Engine is also its own command.Waker: whatever primitive wakes Run from its
// platform-specific blocked wait (CFRunLoopRun, SleepEx, poll) must be
// signalled by Wake.
type Engine interface {
	command.Waker
	// Run blocks the calling goroutine, draining q whenever woken and
	// dispatching OS-sourced events to the Sink supplied at construction.
	// It returns once a Terminate command has executed and the engine's
	// kernel resources are released.
	Run(q *command.Queue)
}

// Canonical EventKind values, duplicated here as untyped ints so this
// package does not import the root package. Keep in lockstep with
// EventKind in types.go.
const (
	KindCreated = iota
	KindRemoved
	KindModified
	KindInvalidated
	KindUnknown
)
