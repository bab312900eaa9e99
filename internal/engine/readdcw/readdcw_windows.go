//go:build windows

// Package readdcw implements the Windows platform engine: one directory
// handle and one pending overlapped ReadDirectoryChangesW call per watch
// point, completions delivered as APCs the worker thread picks up while
// parked in SleepEx(INFINITE, true).
package readdcw

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/watchforge/fswatch/internal/command"
	"github.com/watchforge/fswatch/internal/engine"
	"github.com/watchforge/fswatch/internal/pathutil"
	"github.com/watchforge/fswatch/internal/werr"
	"github.com/watchforge/fswatch/internal/wpstate"
)

// bufSize is the fixed size of each watch point's reserved completion
// buffer, large enough for typical burst activity without growing.
const bufSize = 64 * 1024

const notifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
	windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
	windows.FILE_NOTIFY_CHANGE_CREATION

// threadPriorityAboveNormal is THREAD_PRIORITY_ABOVE_NORMAL, not exported
// by golang.org/x/sys/windows.
const threadPriorityAboveNormal = 1

// cancelWaitBound bounds how long unregister waits, in alertable sleep,
// for a cancelled watch point's aborted completion routine to run and
// actually close its handle, so it never hangs on a stuck kernel.
const cancelWaitBound = 2 * time.Second

// watchPoint owns the directory handle, its reserved buffer, and the
// OVERLAPPED control block for one registered root.
type watchPoint struct {
	root   string // long-path-canonicalized form used with the kernel
	display string // user-facing form returned to the caller
	handle windows.Handle
	buf    []byte
	ov     windows.Overlapped
	status wpstate.Status
}

// Engine is the Windows platform engine.
type Engine struct {
	sink   engine.Sink
	logger *slog.Logger

	threadID uint32

	mu          sync.Mutex
	byRoot      map[string]*watchPoint
	byOv        map[*windows.Overlapped]*watchPoint
	terminating bool

	pendingQueue *command.Queue
}

var (
	registryMu sync.Mutex
	registry   = map[uint32]*Engine{}
)

// New constructs the Windows engine. No directory handle is opened until
// Register.
func New(opts engine.Options, sink engine.Sink) (engine.Engine, error) {
	return &Engine{
		sink:   sink,
		logger: opts.Logger,
		byRoot: make(map[string]*watchPoint),
		byOv:   make(map[*windows.Overlapped]*watchPoint),
	}, nil
}

// Wake implements command.Waker by queuing an APC that invokes drain on the
// worker thread the next time it enters an alertable wait.
func (e *Engine) Wake() {
	registryMu.Lock()
	tid := e.threadID
	registryMu.Unlock()
	if tid == 0 {
		return
	}
	thread, err := windows.OpenThread(windows.THREAD_SET_CONTEXT, false, tid)
	if err != nil {
		return
	}
	defer windows.CloseHandle(thread)
	windows.QueueUserAPC(wakeCallback, thread, 0)
}

var wakeCallback = windows.NewCallback(func(param uintptr) uintptr {
	// registryMu is released before drain: an unregister inside drain waits
	// in alertable sleep for completion routines, which take registryMu.
	registryMu.Lock()
	e := registry[windows.GetCurrentThreadId()]
	registryMu.Unlock()
	if e != nil {
		e.drain()
	}
	return 0
})

// Run parks the worker thread in alertable sleep, draining the command
// queue and completion routines delivered as APCs, until a Terminate
// command has cancelled every watch point and they have all finished.
func (e *Engine) Run(q *command.Queue) {
	tid := windows.GetCurrentThreadId()
	registryMu.Lock()
	e.threadID = tid
	registry[tid] = e
	registryMu.Unlock()

	// Above-normal priority reduces the chance the kernel's own
	// notification buffer overflows under load while this thread is
	// scheduled out.
	windows.SetThreadPriority(windows.CurrentThread(), threadPriorityAboveNormal)

	e.pendingQueue = q

	for {
		e.mu.Lock()
		done := len(e.byRoot) == 0 && e.terminating
		e.mu.Unlock()
		if done {
			break
		}
		windows.SleepEx(windows.INFINITE, true)
	}

	registryMu.Lock()
	delete(registry, tid)
	registryMu.Unlock()
}

func (e *Engine) drain() {
	terminated := false
	e.pendingQueue.Drain(func(cmd *command.Command) (any, error) {
		switch cmd.Kind {
		case command.Register:
			return nil, e.register(cmd.Paths)
		case command.Unregister:
			return e.unregister(cmd.Paths), nil
		case command.Terminate:
			e.terminateAll()
			terminated = true
			return nil, nil
		default:
			return nil, fmt.Errorf("readdcw: %w: unknown command kind %d", werr.ErrInternal, cmd.Kind)
		}
	})
	if terminated {
		e.mu.Lock()
		e.terminating = true
		e.mu.Unlock()
	}
}

func (e *Engine) register(paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range paths {
		canon := pathutil.ToLongPath(p)
		if existing, ok := e.byRoot[canon]; ok && existing.status != wpstate.Finished {
			return werr.ErrAlreadyWatched
		}

		pathPtr, err := windows.UTF16PtrFromString(canon)
		if err != nil {
			return fmt.Errorf("%w: %v", werr.ErrInvalidPath, err)
		}

		h, err := windows.CreateFile(pathPtr,
			windows.FILE_LIST_DIRECTORY,
			windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
			nil,
			windows.OPEN_EXISTING,
			windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
			0)
		if err != nil {
			return werr.NewOSError(p, int(err.(windows.Errno)), err)
		}

		wp := &watchPoint{
			root:    canon,
			display: p,
			handle:  h,
			buf:     make([]byte, bufSize),
			status:  wpstate.NotListening,
		}
		if err := e.armLocked(wp); err != nil {
			windows.CloseHandle(h)
			return err
		}
		if !wpstate.TransitionTo(&wp.status, wpstate.Listening) {
			windows.CloseHandle(h)
			return fmt.Errorf("readdcw: %w: invalid transition to LISTENING for %s", werr.ErrInternal, p)
		}

		e.byRoot[canon] = wp
		e.byOv[&wp.ov] = wp
	}
	return nil
}

// armLocked issues the (re)armed overlapped ReadDirectoryChangesW call for
// wp. Called with e.mu held.
func (e *Engine) armLocked(wp *watchPoint) error {
	var bytesReturned uint32
	err := windows.ReadDirectoryChanges(wp.handle, &wp.buf[0], uint32(len(wp.buf)), false,
		notifyFilter, &bytesReturned, &wp.ov, completionCallback)
	if err != nil {
		return werr.NewOSError(wp.display, int(err.(windows.Errno)), err)
	}
	return nil
}

var completionCallback = windows.NewCallback(func(errCode, bytesTransferred uintptr, ov *windows.Overlapped) uintptr {
	registryMu.Lock()
	var owner *Engine
	for _, e := range registry {
		e.mu.Lock()
		if _, ok := e.byOv[ov]; ok {
			owner = e
		}
		e.mu.Unlock()
		if owner != nil {
			break
		}
	}
	registryMu.Unlock()
	if owner != nil {
		owner.onCompletion(ov, uint32(errCode), uint32(bytesTransferred))
	}
	return 0
})

// onCompletion handles one overlapped ReadDirectoryChangesW completion:
// aborted cancels close the handle, a clean read is parsed and rearmed, and
// a zero-byte read signals overflow.
func (e *Engine) onCompletion(ov *windows.Overlapped, errCode, bytesTransferred uint32) {
	e.mu.Lock()
	wp, ok := e.byOv[ov]
	if !ok {
		e.mu.Unlock()
		return
	}

	switch {
	case errCode == uint32(windows.ERROR_OPERATION_ABORTED):
		e.finishLocked(wp)
		e.mu.Unlock()
		return
	case errCode == uint32(windows.ERROR_ACCESS_DENIED):
		root := wp.display
		canon := wp.root
		deleted := !isDirectory(canon)
		e.finishLocked(wp)
		e.mu.Unlock()
		if deleted {
			e.sink.Event(engine.KindRemoved, root)
		} else {
			e.logger.Warn("readdcw: access denied on live directory", slog.String("path", root))
			e.sink.Error(werr.NewOSError(root, int(windows.ERROR_ACCESS_DENIED), fmt.Errorf("readdcw: access denied on %s while directory still exists", root)))
		}
		return
	case bytesTransferred == 0:
		root := wp.display
		e.finishLocked(wp)
		e.mu.Unlock()
		e.logger.Warn("readdcw: notification buffer overflow, rescanning root", slog.String("path", root))
		e.sink.Event(engine.KindInvalidated, root)
		return
	}

	events := parseNotifyBuffer(wp.buf[:bytesTransferred])
	if err := e.armLocked(wp); err != nil {
		e.finishLocked(wp)
		e.mu.Unlock()
		e.logger.Error("readdcw: failed to rearm watch point", slog.String("path", wp.display), slog.Any("error", err))
		e.sink.Error(err)
		return
	}
	e.mu.Unlock()

	for _, ev := range events {
		kind := classify(ev.action)
		path := wp.display + `\` + ev.name
		e.sink.Event(kind, path)
	}
}

// isDirectory reports whether canon still names an existing directory, per
// spec.md §4.3(c): ACCESS_DENIED only means the root was removed when
// GetFileAttributesW agrees the path is no longer a directory. A transient
// ACCESS_DENIED on a directory that still exists (e.g. a permissions change)
// must not be misreported as the root being deleted.
func isDirectory(canon string) bool {
	ptr, err := windows.UTF16PtrFromString(canon)
	if err != nil {
		return false
	}
	attrs, err := windows.GetFileAttributes(ptr)
	if err != nil {
		return false
	}
	return attrs&windows.FILE_ATTRIBUTE_DIRECTORY != 0
}

// finishLocked closes wp's handle and removes it from both maps. Called
// with e.mu held.
func (e *Engine) finishLocked(wp *watchPoint) {
	if !wpstate.TransitionTo(&wp.status, wpstate.Finished) {
		e.sink.Error(fmt.Errorf("readdcw: %w: invalid transition to FINISHED from %s for %s", werr.ErrInternal, wp.status, wp.display))
	}
	windows.CloseHandle(wp.handle)
	delete(e.byRoot, wp.root)
	delete(e.byOv, &wp.ov)
}

// unregister cancels every live watch point named in paths and blocks,
// in alertable sleep, until each one's aborted completion routine has run
// finishLocked and actually closed its handle — spec.md §5 requires
// unregister to be synchronous with respect to OS-resource teardown, not
// just with respect to issuing the cancel.
func (e *Engine) unregister(paths []string) bool {
	e.mu.Lock()
	allFound := true
	pending := make([]*watchPoint, 0, len(paths))
	for _, p := range paths {
		canon := pathutil.ToLongPath(p)
		wp, ok := e.byRoot[canon]
		if !ok || wp.status != wpstate.Listening {
			allFound = false
			continue
		}
		if !wpstate.TransitionTo(&wp.status, wpstate.Cancelled) {
			e.sink.Error(fmt.Errorf("readdcw: %w: invalid transition to CANCELLED from %s for %s", werr.ErrInternal, wp.status, p))
			continue
		}
		windows.CancelIoEx(wp.handle, &wp.ov)
		pending = append(pending, wp)
	}
	e.mu.Unlock()

	e.awaitFinished(pending)
	return allFound
}

// awaitFinished blocks in alertable sleep until every watch point in
// pending has reached FINISHED or cancelWaitBound elapses. It must be
// called with e.mu released: the completion routines it is waiting on each
// need to acquire it from finishLocked.
func (e *Engine) awaitFinished(pending []*watchPoint) {
	if len(pending) == 0 {
		return
	}
	deadline := time.Now().Add(cancelWaitBound)
	for !e.allFinished(pending) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		ms := uint32(remaining / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		windows.SleepEx(ms, true)
	}
}

func (e *Engine) allFinished(pending []*watchPoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, wp := range pending {
		if wp.status != wpstate.Finished {
			return false
		}
	}
	return true
}

func (e *Engine) terminateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, wp := range e.byRoot {
		if wpstate.TransitionTo(&wp.status, wpstate.Cancelled) {
			windows.CancelIoEx(wp.handle, &wp.ov)
		}
	}
}

type notifyEvent struct {
	action uint32
	name   string
}

// parseNotifyBuffer walks a FILE_NOTIFY_INFORMATION chain: each entry
// carries a NextEntryOffset, zero marking the last entry.
func parseNotifyBuffer(buf []byte) []notifyEvent {
	var events []notifyEvent
	offset := 0
	for {
		if offset+12 > len(buf) {
			break
		}
		rec := (*windows.FileNotifyInformation)(unsafe.Pointer(&buf[offset]))
		nameLen := int(rec.FileNameLength)
		nameOffset := offset + 12
		if nameOffset+nameLen > len(buf) {
			break
		}
		u16 := unsafe.Slice((*uint16)(unsafe.Pointer(&buf[nameOffset])), nameLen/2)
		name := windows.UTF16ToString(u16)

		events = append(events, notifyEvent{action: rec.Action, name: name})

		if rec.NextEntryOffset == 0 {
			break
		}
		offset += int(rec.NextEntryOffset)
	}
	return events
}

// classify maps a raw FILE_ACTION_* code to a canonical kind.
func classify(action uint32) int {
	switch action {
	case windows.FILE_ACTION_ADDED, windows.FILE_ACTION_RENAMED_NEW_NAME:
		return engine.KindCreated
	case windows.FILE_ACTION_REMOVED, windows.FILE_ACTION_RENAMED_OLD_NAME:
		return engine.KindRemoved
	case windows.FILE_ACTION_MODIFIED:
		return engine.KindModified
	default:
		return engine.KindUnknown
	}
}
