//go:build !linux && !darwin && !windows

// Package unsupported stands in for a platform engine on operating systems
// none of the three conformant ports (macOS, Windows, Linux) cover.
package unsupported

import (
	"fmt"
	"runtime"

	"github.com/watchforge/fswatch/internal/command"
	"github.com/watchforge/fswatch/internal/engine"
)

// New always fails: there is no engine for this GOOS.
func New(opts engine.Options, sink engine.Sink) (engine.Engine, error) {
	return nil, fmt.Errorf("fswatch: no platform engine for %s", runtime.GOOS)
}

// Engine is never actually constructed (New always errors) but satisfies
// engine.Engine so this package type-checks standalone.
type Engine struct{}

func (Engine) Wake()                    {}
func (Engine) Run(q *command.Queue)     {}
