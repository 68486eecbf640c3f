package main

import (
	"context"

	"github.com/kevin07696/funnel-service/internal/adapters/secrets"
	"github.com/kevin07696/funnel-service/internal/config"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"go.uber.org/zap"
)

// initSecretStore builds the configured secret backend and resolves the
// gateway key and webhook secrets that were given by name.
//
// Environment Variables:
//   - SECRET_BACKEND: "local", "aws" or "vault" (default: local)
//   - SECRETS_PATH: directory for the local backend (default: ./secrets)
//   - AWS_REGION / AWS_SECRETS_ENDPOINT: AWS Secrets Manager
//   - VAULT_ADDR / VAULT_TOKEN / VAULT_ROLE_ID: HashiCorp Vault
//   - SECRET_CACHE_TTL: cache TTL for remote backends (default: 5m)
func initSecretStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) ports.SecretStore {
	store, err := secrets.New(ctx, cfg.Secrets, logger)
	if err != nil {
		logger.Fatal("Failed to initialize secret store",
			zap.String("backend", cfg.Secrets.Backend),
			zap.Error(err),
		)
	}

	if cfg.Secrets.Backend == secrets.BackendLocal && cfg.IsProduction() {
		logger.Warn("Using LOCAL secret store in production",
			zap.String("path", cfg.Secrets.LocalPath),
		)
	}

	if err := cfg.ResolveSecrets(ctx, store); err != nil {
		logger.Fatal("Failed to resolve secrets", zap.Error(err))
	}

	for _, provider := range config.WebhookProviders {
		if cfg.Webhook.Secrets[provider] == "" {
			logger.Warn("No webhook secret configured", zap.String("provider", provider))
		}
	}

	logger.Info("Secret store initialized", zap.String("backend", cfg.Secrets.Backend))
	return store
}
