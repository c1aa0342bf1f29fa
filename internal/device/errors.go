package device

import "errors"

var (
	// ErrNetworkFailure reports an unreachable gateway or a rejected call.
	ErrNetworkFailure = errors.New("device: network failure")
	// ErrLocalStorageFailure reports a vault write or delete that failed.
	ErrLocalStorageFailure = errors.New("device: local storage failure")
	// ErrPreconditionViolation reports an operation requested in the wrong
	// state: wrong status, a conflicting operation in flight, or a
	// deregistration in the same process session as the registration.
	ErrPreconditionViolation = errors.New("device: precondition violation")
)
