package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/devicelink/internal/events"
	"github.com/danmuck/devicelink/internal/gateway"
	"github.com/danmuck/devicelink/internal/vault"
)

var errDiskFull = errors.New("disk full")

// flakyVault wraps a memory vault and fails selected operations on demand.
type flakyVault struct {
	*vault.Memory

	mu        sync.Mutex
	failClear bool
	failSet   bool
	failDel   bool
	// setsLeft, when positive, lets that many Sets through before failing.
	setsLeft int
	// afterSet runs once a Set has landed, outside the lock.
	afterSet func(key string)
}

func newFlakyVault() *flakyVault {
	return &flakyVault{Memory: vault.NewMemory()}
}

func (v *flakyVault) setFailures(clear, set, del bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failClear, v.failSet, v.failDel = clear, set, del
	v.setsLeft = 0
}

func (v *flakyVault) ClearAll() error {
	v.mu.Lock()
	fail := v.failClear
	v.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return v.Memory.ClearAll()
}

func (v *flakyVault) onSet(hook func(key string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.afterSet = hook
}

// failSetsAfter lets n more Sets succeed and fails every one after that.
func (v *flakyVault) failSetsAfter(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failSet, v.setsLeft = true, n
}

func (v *flakyVault) Set(key, value string) error {
	v.mu.Lock()
	fail := v.failSet
	if fail && v.setsLeft > 0 {
		v.setsLeft--
		fail = false
	}
	hook := v.afterSet
	v.mu.Unlock()
	if fail {
		return errDiskFull
	}
	if err := v.Memory.Set(key, value); err != nil {
		return err
	}
	if hook != nil {
		hook(key)
	}
	return nil
}

func (v *flakyVault) Delete(key string) error {
	v.mu.Lock()
	fail := v.failDel
	v.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return v.Memory.Delete(key)
}

type fixture struct {
	gw    *gateway.Memory
	vault *flakyVault
	bus   *events.Bus
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gw:    gateway.NewMemory().WithIDs(func() string { return "dev-001" }),
		vault: newFlakyVault(),
		bus:   events.NewBus(),
		rec:   events.NewRecorder(0),
	}
	f.bus.Subscribe(f.rec)
	return f
}

func (f *fixture) registry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Deps{Gateway: f.gw, Vault: f.vault, Events: f.bus})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

// registeredFromEarlierSession registers through one registry and returns a
// second registry built on the same vault, as a restarted process would see it.
func (f *fixture) registeredFromEarlierSession(t *testing.T) *Registry {
	t.Helper()
	first := f.registry(t)
	res := await(t, first.Register(testContext(t), "kitchen-tablet"))
	if !res.Completed || res.Err != nil {
		t.Fatalf("register: %+v", res)
	}
	r := f.registry(t)
	if r.Status() != StatusRegistered {
		t.Fatalf("expected reloaded status registered, got %s", r.Status())
	}
	f.rec.Reset()
	return r
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
		return Result{}
	}
}

func assertNames(t *testing.T, got []events.Name, want ...events.Name) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func vaultKeys(t *testing.T, v vault.Vault) []string {
	t.Helper()
	keys, err := v.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return keys
}
