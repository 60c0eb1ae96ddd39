package keys

import (
	"context"
	"fmt"

	"github.com/chirino/chat-state-service/internal/config"
	"github.com/chirino/chat-state-service/internal/envelope"
)

// Provider is an envelope-key service for one encryption domain. Key material
// never leaves the provider; callers hold only opaque key references.
// Encrypt output carries the provider's domain marker in its CSE1 envelope.
type Provider interface {
	ID() string
	Domain() envelope.Domain

	// CreateKey provisions a key for the given owner or chat id and returns
	// its opaque reference. Idempotent: re-creating an existing key returns
	// the same reference.
	CreateKey(ctx context.Context, id string) (string, error)

	Encrypt(ctx context.Context, plaintext []byte, keyRef string) ([]byte, error)
	// Decrypt rejects ciphertext whose envelope domain does not match the
	// provider's with an *envelope.DomainViolationError — never silent garbage.
	Decrypt(ctx context.Context, ciphertext []byte, keyRef string) ([]byte, error)
}

// EncryptionServiceError indicates a key creation or encrypt/decrypt failure.
// Operations that depend on it fail outright; a chat is never created
// without its key.
type EncryptionServiceError struct {
	Provider string
	Op       string
	Err      error
}

func (e *EncryptionServiceError) Error() string {
	return fmt.Sprintf("encryption service %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *EncryptionServiceError) Unwrap() error { return e.Err }

// Loader creates a key provider from config.
type Loader func(ctx context.Context, cfg *config.Config) (Provider, error)

// Plugin represents a key provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a key provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered key provider names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named key provider.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown key provider %q; valid: %v", name, Names())
}
