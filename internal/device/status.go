package device

import (
	"fmt"
	"time"
)

// Status is the registration state of the local device.
type Status int

const (
	StatusNotRegistered Status = iota
	StatusRegistered
	StatusDeregistering
	StatusDeregistrationFailedCloud
	StatusDeregistrationFailedLocal
)

func (s Status) String() string {
	switch s {
	case StatusNotRegistered:
		return "not-registered"
	case StatusRegistered:
		return "registered"
	case StatusDeregistering:
		return "deregistering"
	case StatusDeregistrationFailedCloud:
		return "deregistration-failed-cloud"
	case StatusDeregistrationFailedLocal:
		return "deregistration-failed-local"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Device is a point-in-time view of the registry state.
type Device struct {
	Identifier        string    `json:"identifier,omitempty"`
	Name              string    `json:"name,omitempty"`
	Status            Status    `json:"status"`
	RegisteredAt      time.Time `json:"registered_at,omitempty"`
	Shared            bool      `json:"shared"`
	IsBeingAuthorized bool      `json:"is_being_authorized"`
}

func (d Device) IsRegistered() bool {
	return d.Status == StatusRegistered
}

// Result completes an asynchronous registry operation. Outcome is the
// exit state of the attempt, which for a cloud failure differs from the
// status the device reverts to.
type Result struct {
	Completed bool
	Err       error
	Outcome   Status
}

// Credentials is the token and identity set a registered device holds.
type Credentials struct {
	DeviceIdentifier string
	DeviceName       string
	AccessToken      string
	RefreshToken     string
	IDToken          string
}

func (c Credentials) validate() error {
	if c.DeviceIdentifier == "" {
		return fmt.Errorf("%w: credentials missing device identifier", ErrPreconditionViolation)
	}
	if c.AccessToken == "" {
		return fmt.Errorf("%w: credentials missing access token", ErrPreconditionViolation)
	}
	return nil
}
