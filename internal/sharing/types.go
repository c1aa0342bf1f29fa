package sharing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/devicelink/internal/device"
	"github.com/danmuck/devicelink/internal/protocol/handshake"
	"github.com/danmuck/devicelink/internal/transport"
)

var (
	ErrProtocol  = errors.New("sharing: protocol error")
	ErrTransport = errors.New("sharing: transport error")
)

type Role int

const (
	RoleCentral Role = iota + 1
	RolePeripheral
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// State is the lifecycle position of one peer session.
type State int

const (
	StateIdle State = iota
	StateAdvertising
	StateDiscovering
	StateConnected
	StateHandshaking
	StateCompleted
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateClosed
}

// Request is what the central learned from an incoming session request.
type Request struct {
	SessionID  string
	DeviceName string
	Peer       transport.Peer
	SentAt     time.Time
}

// Outcome reports how a session ended. Err is nil iff Success.
type Outcome struct {
	Role      Role
	SessionID string
	Success   bool
	Err       error
}

// Delegate observes sharing sessions. Both callbacks run on transport
// goroutines and must not block.
type Delegate interface {
	DidReceiveRequest(req Request)
	DidCompleteSharing(outcome Outcome)
}

// AuthProvider supplies the context a central hands to its peer.
type AuthProvider interface {
	AuthContext(ctx context.Context) (handshake.AuthContext, error)
}

type AuthProviderFunc func(ctx context.Context) (handshake.AuthContext, error)

func (f AuthProviderFunc) AuthContext(ctx context.Context) (handshake.AuthContext, error) {
	return f(ctx)
}

// Registry is the slice of the device registry the coordinator drives.
type Registry interface {
	IsRegistered() bool
	Credentials() (device.Credentials, error)
	ApplySharedCredentials(ctx context.Context, creds device.Credentials) error
	BeginAuthorization() (end func())
}

// SessionInfo is a snapshot of the active or most recent session.
type SessionInfo struct {
	Role      Role      `json:"role"`
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func credentialsContext(creds device.Credentials, now time.Time) handshake.AuthContext {
	return handshake.AuthContext{
		DeviceIdentifier: creds.DeviceIdentifier,
		DeviceName:       creds.DeviceName,
		AccessToken:      creds.AccessToken,
		RefreshToken:     creds.RefreshToken,
		IDToken:          creds.IDToken,
		IssuedAtMS:       uint64(now.UnixMilli()),
	}
}

func contextCredentials(ac handshake.AuthContext) device.Credentials {
	return device.Credentials{
		DeviceIdentifier: ac.DeviceIdentifier,
		DeviceName:       ac.DeviceName,
		AccessToken:      ac.AccessToken,
		RefreshToken:     ac.RefreshToken,
		IDToken:          ac.IDToken,
	}
}
