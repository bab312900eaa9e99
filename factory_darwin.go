//go:build darwin

package fswatch

import (
	"github.com/watchforge/fswatch/internal/engine"
	"github.com/watchforge/fswatch/internal/engine/fsevents"
)

func init() {
	platformFactory = func(opts engine.Options, sink engine.Sink) (engine.Engine, error) {
		return fsevents.New(opts, sink)
	}
}
