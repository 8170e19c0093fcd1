package errors

import (
	"fmt"
	"runtime/debug"

	"chat-sync-demo/client/pkg/logger"
)

// Guard runs fn and converts a panic into a logged error.
func Guard(log *logger.Logger, op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op, r)
			if log == nil {
				log = logger.GetGlobal()
			}
			log.Error("Panic recovered",
				"op", op,
				"error", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
	return nil
}
