package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kevin07696/funnel-service/internal/adapters/secrets"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 10*time.Minute, cfg.Session.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "https://secure.nmi.com/api/transact.php", cfg.Gateway.BaseURL)
	assert.True(t, cfg.Gateway.SendLineItems)
	assert.Equal(t, secrets.BackendLocal, cfg.Secrets.Backend)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("GATEWAY_TIMEOUT", "20")
	t.Setenv("WEBHOOK_NMI_SECRET", "nmi-secret")
	t.Setenv("WEBHOOK_CRM_SECRET_NAME", "funnel/webhooks#crm")
	t.Setenv("DEBUG_ERRORS", "true")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.ShowGatewayText(), "debug text never leaks in production")
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 20*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "nmi-secret", cfg.Webhook.Secrets["nmi"])
	assert.Equal(t, "funnel/webhooks#crm", cfg.Webhook.SecretNames["crm"])
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "port out of range", key: "HTTP_PORT", value: "70000"},
		{name: "unknown environment", key: "ENVIRONMENT", value: "qa"},
		{name: "unknown log level", key: "LOG_LEVEL", value: "verbose"},
		{name: "gateway URL", key: "GATEWAY_URL", value: "not a url"},
		{name: "zero ttl", key: "SESSION_TTL", value: "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.True(t, domain.IsDomainError(err, domain.ErrorCodeConfiguration))
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CATALOG_PATH=/etc/funnel/catalog.yaml\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CATALOG_PATH") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/funnel/catalog.yaml", cfg.Catalog.Path)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestResolveSecrets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "funnel"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "funnel", "gateway"), []byte("sk-live"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "funnel", "webhooks"), []byte(`{"crm":"crm-secret"}`), 0o600))
	store := secrets.NewLocalStore(dir, zap.NewNop())

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	cfg.Gateway.SecurityKeySecret = "funnel/gateway"
	cfg.Webhook.SecretNames["crm"] = "funnel/webhooks#crm"

	require.NoError(t, cfg.ResolveSecrets(context.Background(), store))
	assert.Equal(t, "sk-live", cfg.Gateway.SecurityKey)
	assert.Equal(t, "crm-secret", cfg.Webhook.Secrets["crm"])
}

func TestResolveSecrets_MissingGatewayKey(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	cfg.Gateway.SecurityKey = ""
	cfg.Gateway.SecurityKeySecret = ""

	err = cfg.ResolveSecrets(context.Background(), secrets.NewLocalStore(t.TempDir(), zap.NewNop()))
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeConfiguration))
}

func TestResolveSecrets_ProductionNeedsCronSecret(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("GATEWAY_SECURITY_KEY", "sk")
	t.Setenv("CRON_SECRET", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	err = cfg.ResolveSecrets(context.Background(), nil)
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeConfiguration))
}
