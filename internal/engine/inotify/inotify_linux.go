//go:build linux

// Package inotify implements the Linux platform engine: one inotify file
// descriptor shared across every watch point, plus an eventfd used as the
// command-queue wake-up channel, multiplexed with poll.
package inotify

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"unsafe"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"

	"github.com/watchforge/fswatch/internal/command"
	"github.com/watchforge/fswatch/internal/engine"
	"github.com/watchforge/fswatch/internal/metrics"
	"github.com/watchforge/fswatch/internal/werr"
	"github.com/watchforge/fswatch/internal/wpstate"
)

// Event masks, named after the kernel's <sys/inotify.h> constants. The
// watch mask covers everything a root path can report on itself and its
// immediate children; this engine does not recurse.
const (
	watchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
		unix.IN_MODIFY | unix.IN_ATTRIB | unix.IN_CLOSE_WRITE |
		unix.IN_DELETE_SELF | unix.IN_MOVE_SELF | unix.IN_UNMOUNT
)

// inotifyEventSize is the fixed header size of a raw inotify_event record,
// excluding its variable-length, NUL-padded name field.
const inotifyEventSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// readBufSize is large enough to hold many batched events without growing;
// mirrors the sizing used by the teacher's poll loop.
const readBufSize = 64 * (inotifyEventSize + 256)

// recentlyRemovedCap bounds the LRU used to tolerate a late IN_IGNORED for
// a watch descriptor this engine itself already retired via
// inotify_rm_watch — the kernel can still deliver that event after the
// call returns, and it must be dropped rather than treated as an unknown-wd
// invariant violation.
const recentlyRemovedCap = 256

// watchPoint tracks one registered root's Linux-specific state.
type watchPoint struct {
	path   string
	wd     int
	status wpstate.Status
}

// Engine is the Linux platform engine.
type Engine struct {
	sink   engine.Sink
	logger *slog.Logger

	inotifyFd int
	wakeFd    int

	mu        sync.Mutex
	byPath    map[string]*watchPoint
	byWd      map[int]*watchPoint
	recentlyRm *lru.Cache[int, struct{}]
}

// New opens the shared inotify fd and the wake eventfd.
func New(opts engine.Options, sink engine.Sink) (engine.Engine, error) {
	ifd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify: inotify_init1: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(ifd)
		return nil, fmt.Errorf("inotify: eventfd: %w", err)
	}
	cache, err := lru.New[int, struct{}](recentlyRemovedCap)
	if err != nil {
		unix.Close(ifd)
		unix.Close(efd)
		return nil, fmt.Errorf("inotify: lru.New: %w", err)
	}
	return &Engine{
		sink:       sink,
		logger:     opts.Logger,
		inotifyFd:  ifd,
		wakeFd:     efd,
		byPath:     make(map[string]*watchPoint),
		byWd:       make(map[int]*watchPoint),
		recentlyRm: cache,
	}, nil
}

// Wake implements command.Waker: writes a single 8-byte counter increment to
// the eventfd, which unblocks poll.
func (e *Engine) Wake() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(e.wakeFd, buf[:])
}

// Run blocks in poll, draining the command queue and the inotify fd until a
// Terminate command has executed.
func (e *Engine) Run(q *command.Queue) {
	defer unix.Close(e.inotifyFd)
	defer unix.Close(e.wakeFd)

	readBuf := make([]byte, readBufSize)
	terminated := false

	fds := []unix.PollFd{
		{Fd: int32(e.inotifyFd), Events: unix.POLLIN},
		{Fd: int32(e.wakeFd), Events: unix.POLLIN},
	}

	for !terminated {
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			e.logger.Error("inotify: poll error", slog.Any("error", err))
			e.sink.Error(werr.NewOSError("", int(err.(unix.Errno)), err))
			return
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			var drain [8]byte
			unix.Read(e.wakeFd, drain[:])
			n := q.Drain(func(cmd *command.Command) (any, error) {
				return e.exec(cmd, &terminated)
			})
			_ = n
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			e.readEvents(readBuf)
		}
	}
}

func (e *Engine) exec(cmd *command.Command, terminated *bool) (any, error) {
	switch cmd.Kind {
	case command.Register:
		return nil, e.register(cmd.Paths)
	case command.Unregister:
		return e.unregister(cmd.Paths), nil
	case command.Terminate:
		e.terminateAll()
		*terminated = true
		return nil, nil
	default:
		return nil, fmt.Errorf("inotify: %w: unknown command kind %d", werr.ErrInternal, cmd.Kind)
	}
}

func (e *Engine) register(paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("%w: %v", werr.ErrInvalidPath, err)
		}
		if existing, ok := e.byPath[abs]; ok && existing.status != wpstate.Finished {
			return werr.ErrAlreadyWatched
		}

		wd, err := unix.InotifyAddWatch(e.inotifyFd, abs, watchMask)
		if err != nil {
			return werr.NewOSError(abs, int(err.(unix.Errno)), err)
		}

		wp := &watchPoint{path: abs, wd: wd, status: wpstate.NotListening}
		if !wpstate.TransitionTo(&wp.status, wpstate.Listening) {
			return fmt.Errorf("inotify: %w: invalid transition to LISTENING for %s", werr.ErrInternal, abs)
		}
		e.byPath[abs] = wp
		e.byWd[wd] = wp
		metrics.WatchPointsLive.Inc()
	}
	return nil
}

// unregister removes every known path in paths and reports whether all of
// them were found.
func (e *Engine) unregister(paths []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	allFound := true
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			allFound = false
			continue
		}
		wp, ok := e.byPath[abs]
		if !ok || wp.status == wpstate.Finished {
			allFound = false
			continue
		}
		e.removeLocked(wp)
	}
	return allFound
}

// removeLocked tears down a single watch point. Callers hold e.mu.
func (e *Engine) removeLocked(wp *watchPoint) {
	if !wpstate.TransitionTo(&wp.status, wpstate.Cancelled) {
		e.sink.Error(fmt.Errorf("inotify: %w: invalid transition to CANCELLED from %s for %s", werr.ErrInternal, wp.status, wp.path))
	}
	if _, err := unix.InotifyRmWatch(e.inotifyFd, uint32(wp.wd)); err != nil && !errors.Is(err, unix.EINVAL) {
		e.sink.Error(werr.NewOSError(wp.path, int(err.(unix.Errno)), err))
	}
	e.recentlyRm.Add(wp.wd, struct{}{})
	delete(e.byPath, wp.path)
	delete(e.byWd, wp.wd)
	metrics.WatchPointsLive.Dec()
	if !wpstate.TransitionTo(&wp.status, wpstate.Finished) {
		e.sink.Error(fmt.Errorf("inotify: %w: invalid transition to FINISHED from %s for %s", werr.ErrInternal, wp.status, wp.path))
	}
}

func (e *Engine) terminateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, wp := range e.byPath {
		if wp.status == wpstate.Listening {
			e.removeLocked(wp)
		}
	}
}

// readEvents drains every fully-buffered inotify_event from the fd and
// dispatches each to the sink. Partial trailing records are never produced
// by the kernel for this read pattern (reads are always event-aligned), so
// unlike a byte stream this never needs to carry a remainder across calls.
func (e *Engine) readEvents(buf []byte) {
	for {
		n, err := unix.Read(e.inotifyFd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			e.logger.Error("inotify: read error", slog.Any("error", err))
			e.sink.Error(werr.NewOSError("", int(err.(unix.Errno)), err))
			return
		}
		if n <= 0 {
			return
		}

		offset := 0
		for offset+inotifyEventSize <= n {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			wd := int(raw.Wd)
			mask := raw.Mask
			nameLen := int(raw.Len)
			offset += inotifyEventSize

			var name string
			if nameLen > 0 {
				if offset+nameLen > n {
					break
				}
				nameBytes := buf[offset : offset+nameLen]
				if i := indexNUL(nameBytes); i >= 0 {
					nameBytes = nameBytes[:i]
				}
				name = string(nameBytes)
				offset += nameLen
			}

			e.dispatch(wd, mask, name)
		}

		if n < len(buf) {
			return
		}
	}
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func (e *Engine) dispatch(wd int, mask uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		e.mu.Lock()
		roots := make([]string, 0, len(e.byPath))
		for p := range e.byPath {
			roots = append(roots, p)
		}
		e.mu.Unlock()
		e.logger.Warn("inotify: queue overflow, rescanning watched roots", slog.Int("root_count", len(roots)))
		for _, root := range roots {
			e.sink.Overflow(root)
		}
		return
	}

	e.mu.Lock()
	wp, ok := e.byWd[wd]
	if !ok {
		_, recentlyRemoved := e.recentlyRm.Get(wd)
		e.mu.Unlock()
		if recentlyRemoved || mask&unix.IN_IGNORED != 0 {
			e.logger.Warn("inotify: dropped late event for retired watch descriptor", slog.Int("wd", wd))
			return
		}
		e.sink.Error(fmt.Errorf("inotify: %w: event for unknown watch descriptor %d", werr.ErrInternal, wd))
		return
	}
	root := wp.path
	e.mu.Unlock()

	path := root
	if name != "" {
		path = filepath.Join(root, name)
	}

	kind, invalidated := classify(mask)
	e.sink.Event(kind, path)

	if invalidated {
		e.mu.Lock()
		if wp.status == wpstate.Listening {
			e.removeLocked(wp)
		}
		e.mu.Unlock()
	}
}

// classify maps a raw inotify mask to a canonical event kind, per the
// mask table: IN_CREATE|IN_MOVED_TO -> CREATED; IN_DELETE|IN_MOVED_FROM ->
// REMOVED; IN_MODIFY|IN_ATTRIB|IN_CLOSE_WRITE -> MODIFIED;
// IN_DELETE_SELF|IN_MOVE_SELF|IN_UNMOUNT|IN_IGNORED -> INVALIDATED (watch
// point torn down); anything else -> UNKNOWN.
func classify(mask uint32) (kind int, invalidated bool) {
	switch {
	case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		return engine.KindCreated, false
	case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
		return engine.KindRemoved, false
	case mask&(unix.IN_MODIFY|unix.IN_ATTRIB|unix.IN_CLOSE_WRITE) != 0:
		return engine.KindModified, false
	case mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_UNMOUNT|unix.IN_IGNORED) != 0:
		return engine.KindInvalidated, true
	default:
		return engine.KindUnknown, false
	}
}
