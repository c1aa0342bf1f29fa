package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Op names one gateway operation for hook registration.
type Op string

const (
	OpRegister    Op = "register"
	OpDeregister  Op = "deregister"
	OpRevokeToken Op = "revoke_token"
)

// Hook runs before an operation; a non-nil error fails the call.
type Hook func(ctx context.Context) error

// Memory is an in-process gateway holding device records and issued tokens.
type Memory struct {
	mu      sync.Mutex
	devices map[string]Record
	tokens  map[string]string
	hooks   map[Op]Hook
	newID   func() string
	calls   map[Op]int
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]Record),
		tokens:  make(map[string]string),
		hooks:   make(map[Op]Hook),
		calls:   make(map[Op]int),
		newID:   func() string { return "dev-" + uuid.NewString() },
	}
}

// WithIDs replaces the identifier generator.
func (m *Memory) WithIDs(next func() string) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newID = next
	return m
}

// SetHook installs h for op; nil removes it.
func (m *Memory) SetHook(op Op, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.hooks, op)
		return
	}
	m.hooks[op] = h
}

// FailWith makes every later call to op fail with err.
func (m *Memory) FailWith(op Op, err error) {
	m.SetHook(op, func(context.Context) error { return err })
}

func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) Device(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[id]
	return rec, ok
}

// Seed inserts an existing record, as if registered by an earlier process.
func (m *Memory) Seed(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[rec.Identifier] = rec
	m.trackTokensLocked(rec)
}

func (m *Memory) Register(ctx context.Context, req RegisterRequest) (Record, error) {
	if err := m.before(ctx, OpRegister); err != nil {
		return Record{}, err
	}
	name := strings.TrimSpace(req.DeviceName)
	if name == "" {
		return Record{}, fmt.Errorf("%w: missing device name", ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		Identifier:   m.newID(),
		Name:         name,
		ClientID:     uuid.NewString(),
		ClientSecret: uuid.NewString(),
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		IDToken:      uuid.NewString(),
		RegisteredAt: time.Now().UTC(),
	}
	m.devices[rec.Identifier] = rec
	m.trackTokensLocked(rec)
	log.Info().Str("device_id", rec.Identifier).Str("name", rec.Name).Msg("gateway.Memory.Register")
	return rec, nil
}

func (m *Memory) Deregister(ctx context.Context, deviceID string) error {
	if err := m.before(ctx, OpDeregister); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	delete(m.devices, deviceID)
	for _, tok := range []string{rec.AccessToken, rec.RefreshToken, rec.IDToken} {
		delete(m.tokens, tok)
	}
	log.Info().Str("device_id", deviceID).Msg("gateway.Memory.Deregister")
	return nil
}

func (m *Memory) RevokeToken(ctx context.Context, token string) error {
	if err := m.before(ctx, OpRevokeToken); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return ErrUnknownToken
	}
	delete(m.tokens, token)
	return nil
}

func (m *Memory) before(ctx context.Context, op Op) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hooks[op]
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (m *Memory) trackTokensLocked(rec Record) {
	for _, tok := range []string{rec.AccessToken, rec.RefreshToken, rec.IDToken} {
		if tok != "" {
			m.tokens[tok] = rec.Identifier
		}
	}
}
