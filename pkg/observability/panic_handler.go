package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers a panic in a deferred call and logs it with the
// stack. The panic is not re-raised.
//
//	defer observability.RecoverPanic(logger, "forwarder")
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by callback when a
// panic occurred
func RecoverPanicWithCallback(logger *Logger, where string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback(r)
		}
	}
}

// PanicError converts a recovered value into an error, nil for nil
func PanicError(r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

func logPanic(logger *Logger, where string, r any) {
	if logger == nil {
		return
	}
	logger.WithFields(map[string]any{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("panic recovered")
}
