// Package goid extracts the calling goroutine's runtime ID, for the single
// purpose of detecting a Callback reentering the Watcher it was invoked from
// (spec.md section 5: "the worker would wait on itself"). No third-party
// library in the example corpus exposes goroutine identity — the stdlib
// runtime.Stack trick below is the narrowest possible stand-in.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the calling goroutine's numeric ID, as printed at the
// start of its stack trace ("goroutine 123 [running]:").
func Current() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
