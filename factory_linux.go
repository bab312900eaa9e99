//go:build linux

package fswatch

import (
	"github.com/watchforge/fswatch/internal/engine"
	"github.com/watchforge/fswatch/internal/engine/inotify"
)

func init() {
	platformFactory = func(opts engine.Options, sink engine.Sink) (engine.Engine, error) {
		return inotify.New(opts, sink)
	}
}
