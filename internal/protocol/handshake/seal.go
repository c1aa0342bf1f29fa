package handshake

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "devicelink/session-context/v1"

var (
	ErrSealFailed   = errors.New("handshake: seal auth context failed")
	ErrOpenFailed   = errors.New("handshake: open auth context failed")
	ErrEmptyContext = errors.New("handshake: auth context missing credentials")
)

// AuthContext is the credential bundle a central hands to a peripheral.
type AuthContext struct {
	DeviceIdentifier string `json:"device_identifier"`
	DeviceName       string `json:"device_name"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	ExpiresAtMS      uint64 `json:"expires_at_ms,omitempty"`
	IssuedAtMS       uint64 `json:"issued_at_ms"`
}

func (c AuthContext) Validate() error {
	if strings.TrimSpace(c.DeviceIdentifier) == "" {
		return fmt.Errorf("%w: missing device_identifier", ErrEmptyContext)
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("%w: missing access_token", ErrEmptyContext)
	}
	return nil
}

// Seal encrypts ctx for the session described by req. The key is derived
// from the pairing code with the request nonce as salt; the session id is
// bound as associated data.
func Seal(pairingCode string, req Request, ctx AuthContext) ([]byte, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	plain, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	aead, err := newAEAD(pairingCode, req.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(req.SessionID)), nil
}

// Open reverses Seal. Any tampering, wrong pairing code, or session mismatch
// yields ErrOpenFailed.
func Open(pairingCode string, req Request, sealed []byte) (AuthContext, error) {
	aead, err := newAEAD(pairingCode, req.Nonce)
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return AuthContext{}, fmt.Errorf("%w: sealed context too short", ErrOpenFailed)
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, []byte(req.SessionID))
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	var ctx AuthContext
	if err := json.Unmarshal(plain, &ctx); err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if err := ctx.Validate(); err != nil {
		return AuthContext{}, err
	}
	return ctx, nil
}

func newAEAD(pairingCode string, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(pairingCode), salt, []byte(sealInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
