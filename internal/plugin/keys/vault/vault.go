// Package vault registers the "vault" envelope-key provider backed by
// HashiCorp Vault Transit. One transit key is provisioned per chat; the key
// material never leaves Vault. Ciphertext is stamped with the server domain —
// it may only live in the AI-processing cache tier, never a durable store.
package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/chirino/chat-state-service/internal/config"
	"github.com/chirino/chat-state-service/internal/envelope"
	registrykeys "github.com/chirino/chat-state-service/internal/registry/keys"
)

func init() {
	registrykeys.Register(registrykeys.Plugin{
		Name: "vault",
		Loader: func(_ context.Context, cfg *config.Config) (registrykeys.Provider, error) {
			client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
			if err != nil {
				return nil, fmt.Errorf("vault provider: creating client: %w", err)
			}
			mount := cfg.VaultTransitMount
			if mount == "" {
				mount = "transit"
			}
			return &vaultProvider{client: client, mount: mount}, nil
		},
	})
}

type vaultProvider struct {
	client *vaultapi.Client
	mount  string
}

func (p *vaultProvider) ID() string              { return "vault" }
func (p *vaultProvider) Domain() envelope.Domain { return envelope.DomainServer }

// CreateKey provisions a transit key named after the chat. Vault's key
// creation endpoint is idempotent: re-creating an existing key leaves it
// unchanged, so concurrent callers converge on the same reference.
func (p *vaultProvider) CreateKey(ctx context.Context, id string) (string, error) {
	name := keyName(id)
	path := fmt.Sprintf("%s/keys/%s", p.mount, name)
	_, err := p.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return "", &registrykeys.EncryptionServiceError{Provider: "vault", Op: "create-key", Err: err}
	}
	return name, nil
}

func (p *vaultProvider) Encrypt(ctx context.Context, plaintext []byte, keyRef string) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", p.mount, keyRef)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "vault", Op: "encrypt", Err: err}
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, &registrykeys.EncryptionServiceError{Provider: "vault", Op: "encrypt", Err: fmt.Errorf("missing ciphertext in response")}
	}
	// Transit returns a self-describing "vault:v1:..." token; no extra nonce
	// is carried in the envelope header.
	return envelope.Seal(envelope.DomainServer, nil, []byte(ciphertext))
}

func (p *vaultProvider) Decrypt(ctx context.Context, ciphertext []byte, keyRef string) ([]byte, error) {
	h, payload, err := envelope.Open(ciphertext)
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "vault", Op: "decrypt", Err: err}
	}
	if h.Domain != envelope.DomainServer {
		return nil, &envelope.DomainViolationError{
			Tier:     "key-provider",
			Ref:      keyRef,
			Expected: envelope.DomainServer,
			Found:    h.Domain,
		}
	}
	path := fmt.Sprintf("%s/decrypt/%s", p.mount, keyRef)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"ciphertext": string(payload),
	})
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "vault", Op: "decrypt", Err: err}
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, &registrykeys.EncryptionServiceError{Provider: "vault", Op: "decrypt", Err: fmt.Errorf("missing plaintext in response")}
	}
	plain, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, &registrykeys.EncryptionServiceError{Provider: "vault", Op: "decrypt", Err: fmt.Errorf("decoding plaintext: %w", err)}
	}
	return plain, nil
}

// keyName maps an id to a transit key name. Transit key names may not
// contain slashes.
func keyName(id string) string {
	return "chat-" + strings.ReplaceAll(id, "/", "-")
}
