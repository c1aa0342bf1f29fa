package device

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/devicelink/internal/events"
	"github.com/danmuck/devicelink/internal/gateway"
	"github.com/danmuck/devicelink/internal/testutil/testlog"
)

func TestRegisterThenDeregisterAfterRestart(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registry(t)
	if r.Status() != StatusNotRegistered {
		t.Fatalf("expected not-registered, got %s", r.Status())
	}

	res := await(t, r.Register(testContext(t), "kitchen-tablet"))
	if !res.Completed || res.Err != nil || res.Outcome != StatusRegistered {
		t.Fatalf("register: %+v", res)
	}
	snap := r.Snapshot()
	if !snap.IsRegistered() || snap.Identifier != "dev-001" || snap.Name != "kitchen-tablet" {
		t.Fatalf("unexpected snapshot after register: %+v", snap)
	}
	assertNames(t, f.rec.Names(), events.DidRegister)

	restarted := f.registry(t)
	if restarted.Snapshot().Identifier != "dev-001" {
		t.Fatalf("expected identity reloaded from vault")
	}
	f.rec.Reset()
	res = await(t, restarted.Deregister(testContext(t)))
	if !res.Completed || res.Err != nil || res.Outcome != StatusNotRegistered {
		t.Fatalf("deregister: %+v", res)
	}
	snap = restarted.Snapshot()
	if snap.Status != StatusNotRegistered || snap.Identifier != "" || snap.Name != "" {
		t.Fatalf("unexpected snapshot after deregister: %+v", snap)
	}
	if keys := vaultKeys(t, f.vault); len(keys) != 0 {
		t.Fatalf("expected wiped vault, got %v", keys)
	}
	if _, ok := f.gw.Device("dev-001"); ok {
		t.Fatalf("expected gateway record removed")
	}
	assertNames(t, f.rec.Names(),
		events.WillDeregister,
		events.DidDeregisterInCloud,
		events.DidDeregisterOnDevice,
		events.DidRegister,
	)
}

func TestDeregisterInRegistrationSessionRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registry(t)
	if res := await(t, r.Register(testContext(t), "phone")); res.Err != nil {
		t.Fatalf("register: %v", res.Err)
	}
	before := vaultKeys(t, f.vault)

	res := await(t, r.Deregister(testContext(t)))
	if !errors.Is(res.Err, ErrPreconditionViolation) || res.Completed {
		t.Fatalf("expected precondition violation, got %+v", res)
	}
	if r.Status() != StatusRegistered {
		t.Fatalf("status changed to %s", r.Status())
	}
	if after := vaultKeys(t, f.vault); len(after) != len(before) {
		t.Fatalf("vault changed: %v -> %v", before, after)
	}
	if f.gw.Calls(gateway.OpDeregister) != 0 {
		t.Fatalf("gateway was contacted")
	}
}

func TestDeregisterRequiresRegistered(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	if err := f.vault.Set(KeyClientID, "client-a"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := f.registry(t)

	res := await(t, r.Deregister(testContext(t)))
	if !errors.Is(res.Err, ErrPreconditionViolation) {
		t.Fatalf("expected precondition violation, got %+v", res)
	}
	if res.Outcome != StatusNotRegistered {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if keys := vaultKeys(t, f.vault); len(keys) != 1 || keys[0] != KeyClientID {
		t.Fatalf("vault changed: %v", keys)
	}
	if len(f.rec.Names()) != 0 {
		t.Fatalf("unexpected events: %v", f.rec.Names())
	}
}

func TestDeregisterCloudFailureRevertsToRegistered(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)
	f.gw.FailWith(gateway.OpDeregister, gateway.ErrUnreachable)

	res := await(t, r.Deregister(testContext(t)))
	if res.Completed || !errors.Is(res.Err, ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %+v", res)
	}
	if res.Outcome != StatusDeregistrationFailedCloud {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	snap := r.Snapshot()
	if snap.Status != StatusRegistered || snap.Identifier != "dev-001" {
		t.Fatalf("expected registered device kept, got %+v", snap)
	}
	assertNames(t, f.rec.Names(), events.WillDeregister, events.FailedToDeregisterInCloud)

	f.gw.SetHook(gateway.OpDeregister, nil)
	if res := await(t, r.Deregister(testContext(t))); !res.Completed {
		t.Fatalf("retry after cloud failure: %+v", res)
	}
}

func TestDeregisterLocalFailurePinsStatus(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)
	f.vault.setFailures(true, false, false)

	res := await(t, r.Deregister(testContext(t)))
	if res.Completed || !errors.Is(res.Err, ErrLocalStorageFailure) {
		t.Fatalf("expected local storage failure, got %+v", res)
	}
	if res.Outcome != StatusDeregistrationFailedLocal {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	snap := r.Snapshot()
	if snap.Status != StatusDeregistrationFailedLocal || snap.Identifier != "dev-001" || snap.Name == "" {
		t.Fatalf("expected pinned status with identity retained, got %+v", snap)
	}
	assertNames(t, f.rec.Names(),
		events.WillDeregister,
		events.DidDeregisterInCloud,
		events.FailedToDeregisterOnDevice,
	)

	if res := await(t, r.Deregister(testContext(t))); !errors.Is(res.Err, ErrPreconditionViolation) {
		t.Fatalf("expected precondition violation while pinned, got %+v", res)
	}

	if err := r.ResetLocally(); !errors.Is(err, ErrLocalStorageFailure) {
		t.Fatalf("expected reset to surface wipe failure, got %v", err)
	}
	if r.Status() != StatusNotRegistered {
		t.Fatalf("reset must still reset in-memory state, got %s", r.Status())
	}
	f.vault.setFailures(false, false, false)
	if err := r.ResetLocally(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if keys := vaultKeys(t, f.vault); len(keys) != 0 {
		t.Fatalf("expected wiped vault, got %v", keys)
	}
}

func TestResetLocallyIsIdempotent(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)

	for i := 0; i < 2; i++ {
		if err := r.ResetLocally(); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
		snap := r.Snapshot()
		if snap.Status != StatusNotRegistered || snap.Identifier != "" || snap.Name != "" {
			t.Fatalf("reset %d left %+v", i, snap)
		}
		if keys := vaultKeys(t, f.vault); len(keys) != 0 {
			t.Fatalf("reset %d left keys %v", i, keys)
		}
	}
	assertNames(t, f.rec.Names(), events.DidResetLocally, events.DidResetLocally)
	if f.gw.Calls(gateway.OpDeregister) != 0 {
		t.Fatalf("reset contacted the gateway")
	}
}

func TestConcurrentOperationsRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gw.SetHook(gateway.OpDeregister, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	first := r.Deregister(testContext(t))
	<-entered
	if r.Status() != StatusDeregistering {
		t.Fatalf("expected deregistering, got %s", r.Status())
	}
	if res := await(t, r.Deregister(testContext(t))); !errors.Is(res.Err, ErrPreconditionViolation) {
		t.Fatalf("expected second deregister rejected, got %+v", res)
	}
	if res := await(t, r.Logout(testContext(t), true)); !errors.Is(res.Err, ErrPreconditionViolation) {
		t.Fatalf("expected logout rejected, got %+v", res)
	}
	close(release)
	if res := await(t, first); !res.Completed {
		t.Fatalf("first deregister: %+v", res)
	}
}

func TestResetDuringDeregisterTakesPrecedence(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gw.SetHook(gateway.OpDeregister, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	pending := r.Deregister(testContext(t))
	<-entered
	if err := r.ResetLocally(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	f.vault.setFailures(true, false, false)
	close(release)

	res := await(t, pending)
	if !res.Completed || res.Err != nil || res.Outcome != StatusNotRegistered {
		t.Fatalf("expected wipe failure after reset to count as success, got %+v", res)
	}
	if r.Status() != StatusNotRegistered {
		t.Fatalf("unexpected status %s", r.Status())
	}
}

func TestResetDuringDeregisterCloudFailureKeepsReset(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gw.SetHook(gateway.OpDeregister, func(context.Context) error {
		close(entered)
		<-release
		return gateway.ErrUnreachable
	})

	pending := r.Deregister(testContext(t))
	<-entered
	if err := r.ResetLocally(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	close(release)

	res := await(t, pending)
	if !errors.Is(res.Err, ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %+v", res)
	}
	snap := r.Snapshot()
	if snap.Status != StatusNotRegistered || snap.Identifier != "" {
		t.Fatalf("cloud failure reverted a local reset: %+v", snap)
	}
}

func TestRegisterFailures(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registry(t)

	f.gw.FailWith(gateway.OpRegister, gateway.ErrUnreachable)
	res := await(t, r.Register(testContext(t), "phone"))
	if !errors.Is(res.Err, ErrNetworkFailure) || r.Status() != StatusNotRegistered {
		t.Fatalf("expected network failure, got %+v status=%s", res, r.Status())
	}

	f.gw.SetHook(gateway.OpRegister, nil)
	f.vault.setFailures(false, true, false)
	res = await(t, r.Register(testContext(t), "phone"))
	if !errors.Is(res.Err, ErrLocalStorageFailure) || r.Status() != StatusNotRegistered {
		t.Fatalf("expected local storage failure, got %+v status=%s", res, r.Status())
	}

	f.vault.setFailures(false, false, false)
	if res := await(t, r.Register(testContext(t), "phone")); !res.Completed {
		t.Fatalf("register: %+v", res)
	}
	if res := await(t, r.Register(testContext(t), "phone")); !errors.Is(res.Err, ErrPreconditionViolation) {
		t.Fatalf("expected second register rejected, got %+v", res)
	}
}

func TestLogoutRemovesSessionTokens(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)

	res := await(t, r.Logout(testContext(t), false))
	if !res.Completed || res.Err != nil || res.Outcome != StatusRegistered {
		t.Fatalf("logout: %+v", res)
	}
	if _, ok, _ := f.vault.Get(KeyIDToken); ok {
		t.Fatalf("expected id token removed")
	}
	if _, ok, _ := f.vault.Get(KeyAccessToken); !ok {
		t.Fatalf("expected access token kept without clearLocal")
	}
	if r.Status() != StatusRegistered {
		t.Fatalf("logout changed status to %s", r.Status())
	}
	assertNames(t, f.rec.Names(), events.DidLogout)

	if res := await(t, r.Logout(testContext(t), true)); !errors.Is(res.Err, ErrPreconditionViolation) {
		t.Fatalf("expected precondition without id token, got %+v", res)
	}
}

func TestLogoutClearLocal(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)

	if res := await(t, r.Logout(testContext(t), true)); !res.Completed {
		t.Fatalf("logout: %+v", res)
	}
	for _, key := range []string{KeyIDToken, KeyAccessToken, KeyRefreshToken} {
		if _, ok, _ := f.vault.Get(key); ok {
			t.Fatalf("expected %s removed", key)
		}
	}
	if _, ok, _ := f.vault.Get(KeyIdentifier); !ok {
		t.Fatalf("logout must not wipe device identity")
	}
}

func TestLogoutNetworkFailureKeepsTokens(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registeredFromEarlierSession(t)
	f.gw.FailWith(gateway.OpRevokeToken, gateway.ErrUnreachable)

	res := await(t, r.Logout(testContext(t), true))
	if !errors.Is(res.Err, ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %+v", res)
	}
	if _, ok, _ := f.vault.Get(KeyIDToken); !ok {
		t.Fatalf("expected id token kept")
	}
}

func TestApplySharedCredentials(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registry(t)

	creds := Credentials{
		DeviceIdentifier: "dev-shared",
		DeviceName:       "laptop",
		AccessToken:      "access-1",
		RefreshToken:     "refresh-1",
		IDToken:          "id-1",
	}
	if err := r.ApplySharedCredentials(testContext(t), Credentials{AccessToken: "x"}); !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("expected incomplete credentials rejected, got %v", err)
	}
	if err := r.ApplySharedCredentials(testContext(t), creds); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap := r.Snapshot()
	if !snap.IsRegistered() || !snap.Shared || snap.Identifier != "dev-shared" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	got, err := r.Credentials()
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if got != creds {
		t.Fatalf("credentials mismatch: got %+v want %+v", got, creds)
	}
	if err := r.ApplySharedCredentials(testContext(t), creds); !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("expected second apply rejected, got %v", err)
	}
	assertNames(t, f.rec.Names(), events.DidRegister)

	restarted := f.registry(t)
	if !restarted.Snapshot().Shared {
		t.Fatalf("expected shared flag reloaded")
	}
}

func TestCredentialsRequireRegistered(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	if _, err := f.registry(t).Credentials(); !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("expected precondition violation, got %v", err)
	}
}

func TestBeginAuthorization(t *testing.T) {
	testlog.Start(t)
	r := newFixture(t).registry(t)

	endOld := r.BeginAuthorization()
	if !r.IsBeingAuthorized() {
		t.Fatalf("expected authorizing")
	}
	endNew := r.BeginAuthorization()
	endOld()
	if !r.IsBeingAuthorized() {
		t.Fatalf("stale end cleared a newer exchange")
	}
	endNew()
	endNew()
	if r.IsBeingAuthorized() {
		t.Fatalf("expected authorization cleared")
	}
}

func TestCurrentReturnsOneRegistry(t *testing.T) {
	testlog.Start(t)
	resetCurrent()
	t.Cleanup(resetCurrent)

	f := newFixture(t)
	a, err := Current(Deps{Gateway: f.gw, Vault: f.vault})
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	b, err := Current(Deps{})
	if err != nil || a != b {
		t.Fatalf("expected the same registry, got %p %p err=%v", a, b, err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected error without gateway")
	}
	if _, err := New(Deps{Gateway: gateway.NewMemory()}); err == nil {
		t.Fatalf("expected error without vault")
	}
}

func TestStatusString(t *testing.T) {
	testlog.Start(t)
	cases := map[Status]string{
		StatusNotRegistered:             "not-registered",
		StatusRegistered:                "registered",
		StatusDeregistering:             "deregistering",
		StatusDeregistrationFailedCloud: "deregistration-failed-cloud",
		StatusDeregistrationFailedLocal: "deregistration-failed-local",
		Status(42):                      "status(42)",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("status %d: got %q want %q", int(status), got, want)
		}
	}
}

func TestRegisterStoreFailureRemovesPartialWrites(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registry(t)

	f.vault.failSetsAfter(2)
	res := await(t, r.Register(testContext(t), "phone"))
	if !errors.Is(res.Err, ErrLocalStorageFailure) || res.Outcome != StatusNotRegistered {
		t.Fatalf("expected local storage failure, got %+v", res)
	}
	if keys := vaultKeys(t, f.vault); len(keys) != 0 {
		t.Fatalf("expected partial writes removed, vault has %v", keys)
	}

	f.vault.setFailures(false, false, false)
	if restarted := f.registry(t); restarted.Status() != StatusNotRegistered {
		t.Fatalf("expected not-registered after restart, got %s", restarted.Status())
	}
	if res := await(t, r.Register(testContext(t), "phone")); !res.Completed {
		t.Fatalf("register after failed store: %+v", res)
	}
}

func TestResetDuringRegisterWipesWrites(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registry(t)

	f.gw.SetHook(gateway.OpRegister, func(context.Context) error {
		if err := r.ResetLocally(); err != nil {
			t.Errorf("reset: %v", err)
		}
		return nil
	})
	res := await(t, r.Register(testContext(t), "phone"))
	if !errors.Is(res.Err, ErrPreconditionViolation) || res.Outcome != StatusNotRegistered {
		t.Fatalf("expected registration superseded by reset, got %+v", res)
	}
	if keys := vaultKeys(t, f.vault); len(keys) != 0 {
		t.Fatalf("expected vault wiped, has %v", keys)
	}
	if r.Status() != StatusNotRegistered {
		t.Fatalf("expected not-registered, got %s", r.Status())
	}
}

func TestResetDuringRegisterReportsFailedWipe(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registry(t)

	f.gw.SetHook(gateway.OpRegister, func(context.Context) error {
		if err := r.ResetLocally(); err != nil {
			t.Errorf("reset: %v", err)
		}
		f.vault.setFailures(true, false, false)
		return nil
	})
	res := await(t, r.Register(testContext(t), "phone"))
	if !errors.Is(res.Err, ErrLocalStorageFailure) || res.Outcome != StatusNotRegistered {
		t.Fatalf("expected wipe failure surfaced, got %+v", res)
	}
	if r.Status() != StatusNotRegistered {
		t.Fatalf("expected not-registered, got %s", r.Status())
	}
}

func TestResetDuringApplySharedReportsFailedWipe(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	r := f.registry(t)

	f.vault.onSet(func(key string) {
		if key != KeyIdentifier {
			return
		}
		if err := r.ResetLocally(); err != nil {
			t.Errorf("reset: %v", err)
		}
		f.vault.setFailures(true, false, false)
	})
	err := r.ApplySharedCredentials(testContext(t), Credentials{
		DeviceIdentifier: "dev-shared",
		DeviceName:       "phone",
		AccessToken:      "access",
		IDToken:          "id",
	})
	if !errors.Is(err, ErrLocalStorageFailure) {
		t.Fatalf("expected wipe failure surfaced, got %v", err)
	}
	if r.IsRegistered() {
		t.Fatalf("reset must win over the shared credentials")
	}
}
