// Package async starts background goroutines that survive panics. A panic in
// a worker is reported through the logger with its stack instead of taking
// the whole service down.
package async

import (
	"fmt"
	"runtime/debug"
)

// ErrorLogger is the slice of the logging interface a panic report needs.
type ErrorLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine named for log output. A panic inside fn is
// recovered and logged; the goroutine then exits cleanly.
func Go(logger ErrorLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, usable directly in goroutines that are
// not started through it.
func Recover(logger ErrorLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	label := "goroutine"
	if name != "" {
		label = fmt.Sprintf("goroutine %q", name)
	}
	logger.Error("%s panicked: %v\n%s", label, r, debug.Stack())
}
