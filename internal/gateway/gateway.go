// Package gateway defines the identity gateway operations the device
// registry depends on and an in-process gateway used by tests and the
// development agent.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnreachable    = errors.New("gateway: unreachable")
	ErrRejected       = errors.New("gateway: request rejected")
	ErrUnknownDevice  = errors.New("gateway: unknown device")
	ErrUnknownToken   = errors.New("gateway: unknown token")
	ErrInvalidRequest = errors.New("gateway: invalid request")
)

// RegisterRequest describes the device asking for registration.
type RegisterRequest struct {
	DeviceName string
}

// Record is the gateway's answer to a successful registration.
type Record struct {
	Identifier   string
	Name         string
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	IDToken      string
	RegisteredAt time.Time
}

// Client is the gateway contract. Implementations block until the remote
// call resolves or ctx is done; callers that need asynchrony wrap them.
type Client interface {
	Register(ctx context.Context, req RegisterRequest) (Record, error)
	Deregister(ctx context.Context, deviceID string) error
	RevokeToken(ctx context.Context, token string) error
}
