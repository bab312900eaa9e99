//go:build !linux && !darwin && !windows

package fswatch

import (
	"github.com/watchforge/fswatch/internal/engine"
	"github.com/watchforge/fswatch/internal/engine/unsupported"
)

func init() {
	platformFactory = func(opts engine.Options, sink engine.Sink) (engine.Engine, error) {
		return unsupported.New(opts, sink)
	}
}
