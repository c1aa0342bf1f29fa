// Package sharing hands an authenticated session from a registered device
// (central) to a nearby unregistered one (peripheral) over a peer link.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/devicelink/internal/device"
	"github.com/danmuck/devicelink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Coordinator runs at most one peer session at a time, in one role.
type Coordinator struct {
	cfg       Config
	registry  Registry
	transport transport.Transport

	mu       sync.Mutex
	delegate Delegate
	active   *session
	rng      *rand.Rand
}

func New(cfg Config, registry Registry, tr transport.Transport) (*Coordinator, error) {
	if registry == nil {
		return nil, errors.New("sharing: registry is required")
	}
	if tr == nil {
		return nil, errors.New("sharing: transport is required")
	}
	def := DefaultConfig()
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = def.DeviceName
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = def.Backoff
	}
	return &Coordinator{
		cfg:       cfg,
		registry:  registry,
		transport: tr,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetDelegate installs d; the last setter wins and nil clears the slot.
func (c *Coordinator) SetDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

func (c *Coordinator) Delegate() Delegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}

// Session reports the active session, or the last one when none is active.
func (c *Coordinator) Session() (SessionInfo, bool) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// StartAsCentral advertises and serves the first peripheral that connects.
// Without a provider the device's own credentials are shared, which
// requires a registered device.
func (c *Coordinator) StartAsCentral(ctx context.Context, provider AuthProvider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, err := c.claimLocked(RoleCentral)
	if err != nil {
		return err
	}
	if provider == nil && !c.registry.IsRegistered() {
		return fmt.Errorf("%w: central without auth provider requires a registered device", device.ErrPreconditionViolation)
	}
	prev.replace()

	s := c.newSession(ctx, RoleCentral, StateAdvertising, "")
	s.provider = provider
	listener, err := c.transport.Advertise(s.ctx, s.accept)
	if err != nil {
		s.finish(StateClosed, nil, false, "")
		return fmt.Errorf("%w: advertise: %v", ErrTransport, err)
	}
	s.mu.Lock()
	if s.state.terminal() || s.conn != nil {
		s.mu.Unlock()
		_ = listener.Close()
	} else {
		s.listener = listener
		s.mu.Unlock()
	}
	c.active = s
	log.Info().Bool("provider", provider != nil).Msg("sharing.Coordinator.StartAsCentral")
	return nil
}

// StartAsPeripheral discovers a central, retrying with backoff until one
// is found or the session is stopped, then requests its credentials.
func (c *Coordinator) StartAsPeripheral(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, err := c.claimLocked(RolePeripheral)
	if err != nil {
		return err
	}
	if c.registry.IsRegistered() {
		return fmt.Errorf("%w: peripheral requires an unregistered device", device.ErrPreconditionViolation)
	}
	prev.replace()

	s := c.newSession(ctx, RolePeripheral, StateDiscovering, uuid.NewString())
	c.active = s
	go s.runPeripheral()
	log.Info().Str("session_id", s.id).Msg("sharing.Coordinator.StartAsPeripheral")
	return nil
}

// Stop ends the active session in either role without notifying the
// delegate. It is idempotent.
func (c *Coordinator) Stop() {
	c.stopRole(0)
}

func (c *Coordinator) StopAsCentral() {
	c.stopRole(RoleCentral)
}

func (c *Coordinator) StopAsPeripheral() {
	c.stopRole(RolePeripheral)
}

func (c *Coordinator) stopRole(role Role) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil || (role != 0 && s.role != role) {
		return
	}
	if s.finish(StateClosed, nil, false, "") {
		log.Info().Str("role", s.role.String()).Str("session_id", s.sessionID()).Msg("sharing.Coordinator.Stop")
	}
}

// claimLocked rejects a start while the other role is live and returns a
// live session of the same role, which the caller replaces.
func (c *Coordinator) claimLocked(role Role) (*session, error) {
	s := c.active
	if s == nil || s.done() {
		return nil, nil
	}
	if s.role != role {
		return nil, fmt.Errorf("%w: %s session active", device.ErrPreconditionViolation, s.role)
	}
	return s, nil
}

func (c *Coordinator) newSession(parent context.Context, role Role, state State, id string) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		c:       c,
		role:    role,
		ctx:     ctx,
		cancel:  cancel,
		started: c.cfg.Now(),
		id:      id,
		state:   state,
		step:    stepAwaitRequest,
	}
	if role == RolePeripheral {
		s.step = stepAwaitContext
	}
	s.endAuth = c.registry.BeginAuthorization()
	go func() {
		<-ctx.Done()
		s.finish(StateClosed, nil, false, "")
	}()
	return s
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
}
