// Package local registers the "local" envelope-key provider. Per-reference
// AES-256-GCM keys are derived from a single master seed via HKDF-SHA256, so
// no key material is ever stored; the key reference alone selects the key.
// "local" is the user-domain provider; "local-server" stamps the server
// domain instead, for running without Vault.
package local

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/chirino/chat-state-service/internal/config"
	"github.com/chirino/chat-state-service/internal/envelope"
	registrykeys "github.com/chirino/chat-state-service/internal/registry/keys"
)

func init() {
	registrykeys.Register(registrykeys.Plugin{
		Name: "local",
		Loader: func(_ context.Context, cfg *config.Config) (registrykeys.Provider, error) {
			return loadFromConfig(cfg, envelope.DomainUser)
		},
	})
	registrykeys.Register(registrykeys.Plugin{
		Name: "local-server",
		Loader: func(_ context.Context, cfg *config.Config) (registrykeys.Provider, error) {
			return loadFromConfig(cfg, envelope.DomainServer)
		},
	})
}

func loadFromConfig(cfg *config.Config, domain envelope.Domain) (registrykeys.Provider, error) {
	if cfg.LocalKeySeed == "" {
		return nil, fmt.Errorf("local provider: CHAT_STATE_LOCAL_KEY_SEED is required")
	}
	seed, err := hex.DecodeString(cfg.LocalKeySeed)
	if err != nil {
		return nil, fmt.Errorf("local provider: seed must be hex: %w", err)
	}
	if len(seed) < 32 {
		return nil, fmt.Errorf("local provider: seed must be at least 32 bytes, got %d", len(seed))
	}
	return New(domain, seed), nil
}

type localProvider struct {
	domain envelope.Domain
	seed   []byte
}

// New returns a provider deriving per-reference keys from seed and stamping
// ciphertext with the given domain.
func New(domain envelope.Domain, seed []byte) registrykeys.Provider {
	return &localProvider{domain: domain, seed: seed}
}

func (p *localProvider) ID() string              { return "local" }
func (p *localProvider) Domain() envelope.Domain { return p.domain }

// CreateKey is derivation-only: the reference itself selects the key, so
// creation is a pure function of the id and always idempotent.
func (p *localProvider) CreateKey(_ context.Context, id string) (string, error) {
	if id == "" {
		return "", &registrykeys.EncryptionServiceError{Provider: "local", Op: "create-key", Err: fmt.Errorf("empty key id")}
	}
	return fmt.Sprintf("%s/%s", p.domain, id), nil
}

func (p *localProvider) Encrypt(_ context.Context, plaintext []byte, keyRef string) ([]byte, error) {
	key, err := p.deriveKey(keyRef)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "local", Op: "encrypt", Err: err}
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "local", Op: "encrypt", Err: fmt.Errorf("generating nonce: %w", err)}
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return envelope.Seal(p.domain, nonce, sealed)
}

func (p *localProvider) Decrypt(_ context.Context, ciphertext []byte, keyRef string) ([]byte, error) {
	h, payload, err := envelope.Open(ciphertext)
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "local", Op: "decrypt", Err: err}
	}
	if h.Domain != p.domain {
		return nil, &envelope.DomainViolationError{
			Tier:     "key-provider",
			Ref:      keyRef,
			Expected: p.domain,
			Found:    h.Domain,
		}
	}
	key, err := p.deriveKey(keyRef)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "local", Op: "decrypt", Err: err}
	}
	plain, err := gcm.Open(nil, h.Nonce, payload, nil)
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "local", Op: "decrypt", Err: fmt.Errorf("AES-GCM open: %w", err)}
	}
	return plain, nil
}

func (p *localProvider) deriveKey(keyRef string) ([]byte, error) {
	if keyRef == "" {
		return nil, &registrykeys.EncryptionServiceError{Provider: "local", Op: "derive", Err: fmt.Errorf("empty key reference")}
	}
	key, err := hkdf.Key(sha256.New, p.seed, nil, "chat-state-key:"+keyRef, 32)
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "local", Op: "derive", Err: err}
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
