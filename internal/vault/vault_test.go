package vault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/devicelink/internal/testutil/testlog"
)

func exerciseVault(t *testing.T, v Vault) {
	t.Helper()
	if err := v.Set("token.access", "a-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Set("device.identifier", "dev-001"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := v.Get("token.access")
	if err != nil || !ok || got != "a-1" {
		t.Fatalf("get: v=%q ok=%v err=%v", got, ok, err)
	}
	keys, err := v.Keys()
	if err != nil || len(keys) != 2 || keys[0] != "device.identifier" {
		t.Fatalf("keys: %v err=%v", keys, err)
	}
	if err := v.Delete("token.access"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := v.Delete("token.access"); err != nil {
		t.Fatalf("delete absent key must be a no-op: %v", err)
	}
	if _, ok, _ := v.Get("token.access"); ok {
		t.Fatalf("expected key deleted")
	}
	if err := v.ClearAll(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := v.ClearAll(); err != nil {
		t.Fatalf("clear twice: %v", err)
	}
	keys, _ = v.Keys()
	if len(keys) != 0 {
		t.Fatalf("expected empty vault, got %v", keys)
	}
	if err := v.Set("  ", "x"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestMemoryVault(t *testing.T) {
	testlog.Start(t)
	exerciseVault(t, NewMemory())
}

func TestFileVault(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "state", "vault.toml")
	v, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseVault(t, v)
}

func TestFileVaultPersistsAcrossOpen(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "vault.toml")
	v, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := v.Set("device.name", "phone"); err != nil {
		t.Fatalf("set: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != fileMode {
		t.Fatalf("unexpected mode: %v", info.Mode().Perm())
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, _ := reopened.Get("device.name")
	if !ok || got != "phone" {
		t.Fatalf("expected persisted value, got %q ok=%v", got, ok)
	}
}

func TestFileVaultRejectsCorruptDocument(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "vault.toml")
	if err := os.WriteFile(path, []byte("entries = [[["), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := OpenFile(path)
	if err == nil || !strings.Contains(err.Error(), "vault parse failed") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
