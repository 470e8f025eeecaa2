package safego

import (
	"go.uber.org/zap"
)

// Go launches fn on a new goroutine with panic recovery. A panicking
// goroutine is logged and exits cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "health-monitor", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic. Use as a deferred call in goroutines that
// are not launched through Go:
//
//	defer safego.Recover(logger, "broadcast-loop")
func Recover(logger *zap.Logger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		logger.Error("Goroutine panicked",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}
