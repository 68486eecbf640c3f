package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"go.uber.org/zap"
)

// LocalStore reads secrets from files under a base directory.
// WARNING: This is for development only. Use AWS Secrets Manager or Vault in production.
type LocalStore struct {
	basePath string
	logger   *zap.Logger
}

var _ ports.SecretStore = (*LocalStore)(nil)

// NewLocalStore creates a filesystem store rooted at basePath ("./secrets" when empty)
func NewLocalStore(basePath string, logger *zap.Logger) *LocalStore {
	if basePath == "" {
		basePath = "./secrets"
	}
	return &LocalStore{basePath: basePath, logger: logger}
}

// GetSecret reads basePath/name. A file holding {"value": "..."} yields the
// value; any other content is returned trimmed.
func (s *LocalStore) GetSecret(ctx context.Context, name string) (string, error) {
	path, field := splitName(name)
	clean := filepath.Clean("/" + path)
	filePath := filepath.Join(s.basePath, clean)

	s.logger.Debug("Reading secret from filesystem", zap.String("path", path))

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, path)
		}
		return "", fmt.Errorf("failed to read secret: %w", err)
	}

	if field != "" {
		return selectField(string(data), field)
	}

	var wrapped struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Value != "" {
		return wrapped.Value, nil
	}
	return strings.TrimSpace(string(data)), nil
}
