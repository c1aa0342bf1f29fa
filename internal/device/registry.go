// Package device owns the local device identity and drives its
// registration lifecycle against the identity gateway.
package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/devicelink/internal/events"
	"github.com/danmuck/devicelink/internal/gateway"
	"github.com/danmuck/devicelink/internal/observability"
	"github.com/danmuck/devicelink/internal/vault"
	"github.com/rs/zerolog/log"
)

const (
	opRegister    = "register"
	opDeregister  = "deregister"
	opLogout      = "logout"
	opApplyShared = "apply_shared"
	opReset       = "reset"
)

// Deps are the collaborators a Registry drives.
type Deps struct {
	Gateway gateway.Client
	Vault   vault.Vault
	Events  events.Publisher
	Now     func() time.Time
}

// Registry is the single owner of device state for a process.
type Registry struct {
	gateway gateway.Client
	vault   vault.Vault
	events  events.Publisher
	now     func() time.Time

	mu           sync.Mutex
	identifier   string
	name         string
	status       Status
	registeredAt time.Time
	shared       bool

	// set once a registration (or shared identity) was established by this
	// process; deregistration is refused while it is set.
	registeredThisSession bool
	inFlight              string
	resetGen              uint64
	authorizing           bool
	authGen               uint64
}

var (
	currentOnce sync.Once
	current     *Registry
	currentErr  error
)

// Current returns the process-wide registry, building it from deps on
// first access. Later calls ignore deps.
func Current(deps Deps) (*Registry, error) {
	currentOnce.Do(func() {
		current, currentErr = New(deps)
	})
	return current, currentErr
}

// New builds a registry and reloads any identity persisted in the vault.
func New(deps Deps) (*Registry, error) {
	if deps.Gateway == nil {
		return nil, errors.New("device: gateway is required")
	}
	if deps.Vault == nil {
		return nil, errors.New("device: vault is required")
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := &Registry{
		gateway: deps.Gateway,
		vault:   deps.Vault,
		events:  deps.Events,
		now:     deps.Now,
		status:  StatusNotRegistered,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	id, ok, err := r.vault.Get(KeyIdentifier)
	if err != nil {
		return fmt.Errorf("%w: load identifier: %v", ErrLocalStorageFailure, err)
	}
	if !ok || strings.TrimSpace(id) == "" {
		return nil
	}
	name, _, err := r.vault.Get(KeyName)
	if err != nil {
		return fmt.Errorf("%w: load name: %v", ErrLocalStorageFailure, err)
	}
	r.identifier = id
	r.name = name
	r.status = StatusRegistered
	if raw, ok, _ := r.vault.Get(KeyRegisteredAt); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			r.registeredAt = ts
		}
	}
	if raw, ok, _ := r.vault.Get(KeyShared); ok {
		r.shared, _ = strconv.ParseBool(raw)
	}
	log.Info().
		Str("device_id", r.identifier).
		Bool("shared", r.shared).
		Msg("device.Registry loaded persisted identity")
	return nil
}

func (r *Registry) Snapshot() Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Device{
		Identifier:        r.identifier,
		Name:              r.name,
		Status:            r.status,
		RegisteredAt:      r.registeredAt,
		Shared:            r.shared,
		IsBeingAuthorized: r.authorizing,
	}
}

func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Registry) IsRegistered() bool {
	return r.Status() == StatusRegistered
}

func (r *Registry) IsBeingAuthorized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorizing
}

// BeginAuthorization marks a sharing exchange active. The returned end is
// idempotent and only clears the flag it set; a newer exchange keeps it.
func (r *Registry) BeginAuthorization() (end func()) {
	r.mu.Lock()
	r.authGen++
	gen := r.authGen
	r.authorizing = true
	r.mu.Unlock()
	observability.SetAuthorizing(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			cleared := r.authGen == gen
			if cleared {
				r.authorizing = false
			}
			r.mu.Unlock()
			if cleared {
				observability.SetAuthorizing(false)
			}
		})
	}
}

// Register asks the gateway for a new identity and stores it.
func (r *Registry) Register(ctx context.Context, name string) <-chan Result {
	out := make(chan Result, 1)
	name = strings.TrimSpace(name)

	r.mu.Lock()
	if err := r.beginLocked(opRegister, StatusNotRegistered); err != nil {
		status := r.status
		r.mu.Unlock()
		out <- Result{Err: err, Outcome: status}
		return out
	}
	gen := r.resetGen
	r.mu.Unlock()

	go func() {
		out <- r.register(ctx, name, gen)
	}()
	return out
}

func (r *Registry) register(ctx context.Context, name string, gen uint64) Result {
	start := r.now()
	rec, err := r.gateway.Register(ctx, gateway.RegisterRequest{DeviceName: name})
	if err != nil {
		r.finish()
		log.Warn().Err(err).Str("name", name).Msg("device.Registry.Register gateway failed")
		observability.RecordLifecycle(opRegister, "network_failure", r.now().Sub(start))
		return Result{Err: fmt.Errorf("%w: register: %v", ErrNetworkFailure, err), Outcome: StatusNotRegistered}
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = r.now().UTC()
	}
	creds := Credentials{
		DeviceIdentifier: rec.Identifier,
		DeviceName:       rec.Name,
		AccessToken:      rec.AccessToken,
		RefreshToken:     rec.RefreshToken,
		IDToken:          rec.IDToken,
	}
	clientCfg := []entry{
		{KeyClientID, rec.ClientID},
		{KeyClientSecret, rec.ClientSecret},
	}
	if err := r.store(creds, clientCfg, rec.RegisteredAt, false); err != nil {
		r.finish()
		observability.RecordLifecycle(opRegister, "local_failure", r.now().Sub(start))
		return Result{Err: err, Outcome: StatusNotRegistered}
	}

	r.mu.Lock()
	if r.resetGen != gen {
		r.inFlight = ""
		r.mu.Unlock()
		log.Warn().Str("device_id", rec.Identifier).Msg("device.Registry.Register superseded by local reset")
		observability.RecordLifecycle(opRegister, "reset", r.now().Sub(start))
		if err := r.wipeSuperseded(opRegister, rec.Identifier); err != nil {
			return Result{Err: err, Outcome: StatusNotRegistered}
		}
		return Result{
			Err:     fmt.Errorf("%w: local reset during registration", ErrPreconditionViolation),
			Outcome: StatusNotRegistered,
		}
	}
	r.identifier = rec.Identifier
	r.name = rec.Name
	r.registeredAt = rec.RegisteredAt
	r.shared = false
	r.status = StatusRegistered
	r.registeredThisSession = true
	r.inFlight = ""
	r.mu.Unlock()

	log.Info().Str("device_id", rec.Identifier).Str("name", rec.Name).Msg("device.Registry.Register ok")
	r.publish(ctx, events.DidRegister, rec.Identifier, StatusRegistered, nil)
	observability.RecordLifecycle(opRegister, StatusRegistered.String(), r.now().Sub(start))
	return Result{Completed: true, Outcome: StatusRegistered}
}

// Deregister removes the device from the gateway and then wipes local
// credentials. The attempt ends in exactly one of: not-registered (success),
// deregistration-failed-cloud (status reverts to registered), or
// deregistration-failed-local (status pinned until reset or restart).
func (r *Registry) Deregister(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)

	r.mu.Lock()
	err := r.beginLocked(opDeregister, StatusRegistered)
	if err == nil && r.registeredThisSession {
		r.inFlight = ""
		err = fmt.Errorf("%w: deregister in the same session as registration", ErrPreconditionViolation)
	}
	if err != nil {
		status := r.status
		r.mu.Unlock()
		log.Warn().Err(err).Msg("device.Registry.Deregister rejected")
		out <- Result{Err: err, Outcome: status}
		return out
	}
	r.status = StatusDeregistering
	id := r.identifier
	gen := r.resetGen
	r.mu.Unlock()

	go func() {
		out <- r.deregister(ctx, id, gen)
	}()
	return out
}

func (r *Registry) deregister(ctx context.Context, id string, gen uint64) Result {
	start := r.now()
	r.publish(ctx, events.WillDeregister, id, StatusDeregistering, nil)

	if err := r.gateway.Deregister(ctx, id); err != nil {
		r.mu.Lock()
		if r.resetGen == gen {
			r.status = StatusRegistered
		}
		r.inFlight = ""
		r.mu.Unlock()

		wrapped := fmt.Errorf("%w: deregister %s: %v", ErrNetworkFailure, id, err)
		log.Warn().Err(err).Str("device_id", id).Msg("device.Registry.Deregister cloud failed")
		r.publish(ctx, events.FailedToDeregisterInCloud, id, StatusDeregistrationFailedCloud, wrapped)
		observability.RecordLifecycle(opDeregister, StatusDeregistrationFailedCloud.String(), r.now().Sub(start))
		return Result{Err: wrapped, Outcome: StatusDeregistrationFailedCloud}
	}
	r.publish(ctx, events.DidDeregisterInCloud, id, StatusDeregistering, nil)

	wipeErr := r.vault.ClearAll()

	r.mu.Lock()
	if wipeErr != nil && r.resetGen == gen {
		r.status = StatusDeregistrationFailedLocal
		r.inFlight = ""
		r.mu.Unlock()

		wrapped := fmt.Errorf("%w: wipe after deregister: %v", ErrLocalStorageFailure, wipeErr)
		log.Error().Err(wipeErr).Str("device_id", id).Msg("device.Registry.Deregister local wipe failed; restart required")
		r.publish(ctx, events.FailedToDeregisterOnDevice, id, StatusDeregistrationFailedLocal, wrapped)
		observability.RecordLifecycle(opDeregister, StatusDeregistrationFailedLocal.String(), r.now().Sub(start))
		return Result{Err: wrapped, Outcome: StatusDeregistrationFailedLocal}
	}
	if wipeErr != nil {
		log.Info().Err(wipeErr).Str("device_id", id).Msg("device.Registry.Deregister wipe failed after local reset; treated as done")
	}
	r.clearIdentityLocked()
	r.inFlight = ""
	r.mu.Unlock()

	log.Info().Str("device_id", id).Msg("device.Registry.Deregister ok")
	r.publish(ctx, events.DidDeregisterOnDevice, id, StatusNotRegistered, nil)
	r.publish(ctx, events.DidRegister, "", StatusNotRegistered, nil)
	observability.RecordLifecycle(opDeregister, StatusNotRegistered.String(), r.now().Sub(start))
	return Result{Completed: true, Outcome: StatusNotRegistered}
}

// ResetLocally clears every stored credential and resets the device to
// not-registered without contacting the gateway. It is safe at any time,
// including while a deregistration is in flight.
func (r *Registry) ResetLocally() error {
	start := r.now()
	r.mu.Lock()
	r.resetGen++
	id := r.identifier
	r.clearIdentityLocked()
	r.mu.Unlock()

	err := r.vault.ClearAll()
	if err != nil {
		err = fmt.Errorf("%w: reset: %v", ErrLocalStorageFailure, err)
		log.Error().Err(err).Str("device_id", id).Msg("device.Registry.ResetLocally wipe failed")
		observability.RecordLifecycle(opReset, "local_failure", r.now().Sub(start))
	} else {
		log.Info().Str("device_id", id).Msg("device.Registry.ResetLocally ok")
		observability.RecordLifecycle(opReset, StatusNotRegistered.String(), r.now().Sub(start))
	}
	r.publish(context.Background(), events.DidResetLocally, id, StatusNotRegistered, err)
	return err
}

// Logout revokes the stored id token and removes it. With clearLocal the
// access and refresh tokens are removed as well. Status never changes.
func (r *Registry) Logout(ctx context.Context, clearLocal bool) <-chan Result {
	out := make(chan Result, 1)

	r.mu.Lock()
	status := r.status
	if r.inFlight != "" {
		r.mu.Unlock()
		out <- Result{Err: r.inFlightError(opLogout), Outcome: status}
		return out
	}
	token, ok, err := r.vault.Get(KeyIDToken)
	switch {
	case err != nil:
		r.mu.Unlock()
		out <- Result{Err: fmt.Errorf("%w: read id token: %v", ErrLocalStorageFailure, err), Outcome: status}
		return out
	case !ok || token == "":
		r.mu.Unlock()
		out <- Result{Err: fmt.Errorf("%w: no id token stored", ErrPreconditionViolation), Outcome: status}
		return out
	}
	r.inFlight = opLogout
	id := r.identifier
	r.mu.Unlock()

	go func() {
		out <- r.logout(ctx, id, token, clearLocal)
	}()
	return out
}

func (r *Registry) logout(ctx context.Context, id, token string, clearLocal bool) Result {
	start := r.now()
	defer r.finish()

	if err := r.gateway.RevokeToken(ctx, token); err != nil {
		log.Warn().Err(err).Str("device_id", id).Msg("device.Registry.Logout revoke failed")
		observability.RecordLifecycle(opLogout, "network_failure", r.now().Sub(start))
		return Result{Err: fmt.Errorf("%w: revoke: %v", ErrNetworkFailure, err), Outcome: r.Status()}
	}
	keys := []string{KeyIDToken}
	if clearLocal {
		keys = append(keys, KeyAccessToken, KeyRefreshToken)
	}
	for _, key := range keys {
		if err := r.vault.Delete(key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("device.Registry.Logout delete failed")
			observability.RecordLifecycle(opLogout, "local_failure", r.now().Sub(start))
			return Result{Err: fmt.Errorf("%w: delete %s: %v", ErrLocalStorageFailure, key, err), Outcome: r.Status()}
		}
	}
	status := r.Status()
	log.Info().Str("device_id", id).Bool("clear_local", clearLocal).Msg("device.Registry.Logout ok")
	r.publish(ctx, events.DidLogout, id, status, nil)
	observability.RecordLifecycle(opLogout, "ok", r.now().Sub(start))
	return Result{Completed: true, Outcome: status}
}

// ApplySharedCredentials adopts an identity delivered by a peer device.
func (r *Registry) ApplySharedCredentials(ctx context.Context, creds Credentials) error {
	if err := creds.validate(); err != nil {
		return err
	}
	start := r.now()
	r.mu.Lock()
	if err := r.beginLocked(opApplyShared, StatusNotRegistered); err != nil {
		r.mu.Unlock()
		return err
	}
	gen := r.resetGen
	r.mu.Unlock()

	registeredAt := r.now().UTC()
	if err := r.store(creds, nil, registeredAt, true); err != nil {
		r.finish()
		observability.RecordLifecycle(opApplyShared, "local_failure", r.now().Sub(start))
		return err
	}

	r.mu.Lock()
	if r.resetGen != gen {
		r.inFlight = ""
		r.mu.Unlock()
		log.Warn().Str("device_id", creds.DeviceIdentifier).Msg("device.Registry.ApplySharedCredentials superseded by local reset")
		if err := r.wipeSuperseded(opApplyShared, creds.DeviceIdentifier); err != nil {
			return err
		}
		return fmt.Errorf("%w: local reset while applying shared credentials", ErrPreconditionViolation)
	}
	r.identifier = creds.DeviceIdentifier
	r.name = creds.DeviceName
	r.registeredAt = registeredAt
	r.shared = true
	r.status = StatusRegistered
	r.registeredThisSession = true
	r.inFlight = ""
	r.mu.Unlock()

	log.Info().Str("device_id", creds.DeviceIdentifier).Msg("device.Registry.ApplySharedCredentials ok")
	r.publish(ctx, events.DidRegister, creds.DeviceIdentifier, StatusRegistered, nil)
	observability.RecordLifecycle(opApplyShared, StatusRegistered.String(), r.now().Sub(start))
	return nil
}

// Credentials returns the identity and tokens of a registered device.
func (r *Registry) Credentials() (Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRegistered {
		return Credentials{}, fmt.Errorf("%w: device is %s", ErrPreconditionViolation, r.status)
	}
	creds := Credentials{DeviceIdentifier: r.identifier, DeviceName: r.name}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{KeyAccessToken, &creds.AccessToken},
		{KeyRefreshToken, &creds.RefreshToken},
		{KeyIDToken, &creds.IDToken},
	} {
		v, _, err := r.vault.Get(f.key)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: read %s: %v", ErrLocalStorageFailure, f.key, err)
		}
		*f.dst = v
	}
	if creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("%w: no access token stored", ErrPreconditionViolation)
	}
	return creds, nil
}

func (r *Registry) store(creds Credentials, extra []entry, registeredAt time.Time, shared bool) error {
	tokens := append([]entry{
		{KeyAccessToken, creds.AccessToken},
		{KeyRefreshToken, creds.RefreshToken},
		{KeyIDToken, creds.IDToken},
	}, extra...)
	identity := []entry{
		{KeyName, creds.DeviceName},
		{KeyRegisteredAt, registeredAt.Format(time.RFC3339Nano)},
		{KeyShared, strconv.FormatBool(shared)},
		{KeyIdentifier, creds.DeviceIdentifier},
	}
	entries := writeOrder(tokens, identity)
	for i, e := range entries {
		if err := r.vault.Set(e.key, e.value); err != nil {
			log.Error().Err(err).Str("key", e.key).Msg("device.Registry store failed")
			r.unwind(entries[:i])
			return fmt.Errorf("%w: write %s: %v", ErrLocalStorageFailure, e.key, err)
		}
	}
	return nil
}

// unwind removes entries a failed store already wrote.
func (r *Registry) unwind(written []entry) {
	for _, e := range written {
		if err := r.vault.Delete(e.key); err != nil {
			log.Error().Err(err).Str("key", e.key).Msg("device.Registry unwind failed; reset required")
		}
	}
}

// wipeSuperseded clears what an operation overtaken by ResetLocally wrote.
func (r *Registry) wipeSuperseded(op, id string) error {
	if err := r.vault.ClearAll(); err != nil {
		log.Error().Err(err).Str("op", op).Str("device_id", id).Msg("device.Registry wipe after local reset failed")
		return fmt.Errorf("%w: %s overtaken by local reset, wipe: %v", ErrLocalStorageFailure, op, err)
	}
	return nil
}

// beginLocked claims the in-flight slot for op when the device is in want.
func (r *Registry) beginLocked(op string, want Status) error {
	if r.inFlight != "" {
		return r.inFlightError(op)
	}
	if r.status != want {
		return fmt.Errorf("%w: %s requires %s, device is %s", ErrPreconditionViolation, op, want, r.status)
	}
	r.inFlight = op
	return nil
}

func (r *Registry) inFlightError(op string) error {
	return fmt.Errorf("%w: %s while %s in flight", ErrPreconditionViolation, op, r.inFlight)
}

func (r *Registry) finish() {
	r.mu.Lock()
	r.inFlight = ""
	r.mu.Unlock()
}

func (r *Registry) clearIdentityLocked() {
	r.identifier = ""
	r.name = ""
	r.registeredAt = time.Time{}
	r.shared = false
	r.status = StatusNotRegistered
	r.registeredThisSession = false
}

func (r *Registry) publish(ctx context.Context, name events.Name, id string, status Status, err error) {
	r.events.Publish(ctx, events.Event{
		Name:      name,
		Timestamp: r.now(),
		DeviceID:  id,
		Status:    status.String(),
		Err:       err,
	})
}
