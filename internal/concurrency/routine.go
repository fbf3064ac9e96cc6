package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs a function in a goroutine with panic recovery.
func SafeGo(name string, fn func(), onPanic func(interface{})) {
	go func() {
		if r := SafeCall(fn); r != nil {
			slog.Error("Panic recovered", "routine", name, "panic", r)
			if onPanic != nil {
				onPanic(r)
			}
		}
	}()
}

// SafeCall runs fn on the calling goroutine and returns the recovered panic
// value, or nil when fn returned normally.
func SafeCall(fn func()) (recovered interface{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Panic stack", "panic", r, "stack", string(debug.Stack()))
			recovered = r
		}
	}()
	fn()
	return nil
}
