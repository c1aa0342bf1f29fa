package device

import "sync"

// resetCurrent drops the process-wide registry so each test can build its own.
func resetCurrent() {
	currentOnce = sync.Once{}
	current = nil
	currentErr = nil
}
