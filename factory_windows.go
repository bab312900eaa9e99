//go:build windows

package fswatch

import (
	"github.com/watchforge/fswatch/internal/engine"
	"github.com/watchforge/fswatch/internal/engine/readdcw"
)

func init() {
	platformFactory = func(opts engine.Options, sink engine.Sink) (engine.Engine, error) {
		return readdcw.New(opts, sink)
	}
}
