// Package secrets resolves service credentials from a local directory,
// AWS Secrets Manager or HashiCorp Vault.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"go.uber.org/zap"
)

// ErrSecretNotFound is returned when a backend has no secret under the name
var ErrSecretNotFound = errors.New("secret not found")

// Backend names accepted by New
const (
	BackendLocal = "local"
	BackendAWS   = "aws"
	BackendVault = "vault"
)

// Config selects and configures a backend
type Config struct {
	Backend   string
	LocalPath string
	AWS       AWSConfig
	Vault     VaultConfig
}

// New builds the configured backend
func New(ctx context.Context, cfg Config, logger *zap.Logger) (ports.SecretStore, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalStore(cfg.LocalPath, logger), nil
	case BackendAWS:
		return NewAWSStore(ctx, cfg.AWS, logger)
	case BackendVault:
		return NewVaultStore(ctx, cfg.Vault, logger)
	default:
		return nil, domain.NewConfigurationError(fmt.Sprintf("unknown secret backend %q", cfg.Backend))
	}
}

// Resolve returns direct when it is set, otherwise looks name up in store.
// An empty result is a configuration error.
func Resolve(ctx context.Context, store ports.SecretStore, direct, name string) (string, error) {
	if direct != "" {
		return direct, nil
	}
	if name == "" || store == nil {
		return "", nil
	}
	value, err := store.GetSecret(ctx, name)
	if err != nil {
		return "", domain.WrapError(domain.ErrorCodeConfiguration, fmt.Sprintf("failed to resolve secret %s", name), err)
	}
	if value == "" {
		return "", domain.NewConfigurationError(fmt.Sprintf("secret %s is empty", name))
	}
	return value, nil
}

// splitName separates "path#field" into its parts
func splitName(name string) (path, field string) {
	if i := strings.LastIndex(name, "#"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// selectField returns raw unchanged when field is empty, otherwise parses raw
// as a JSON object and returns that field
func selectField(raw, field string) (string, error) {
	if field == "" {
		return raw, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secret is not a JSON object: %w", err)
	}
	return stringField(fields, field)
}

func stringField(fields map[string]interface{}, field string) (string, error) {
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: field %s", ErrSecretNotFound, field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s is not a string", field)
	}
	return s, nil
}

// secretCache is a TTL cache shared by the remote backends
type secretCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

func newSecretCache(ttl time.Duration) *secretCache {
	return &secretCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *secretCache) get(key string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.value, true
}

func (c *secretCache) set(key, value string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)}
}
