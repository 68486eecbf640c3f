package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"go.uber.org/zap"
)

// AWSConfig contains configuration for the AWS Secrets Manager store
type AWSConfig struct {
	// AWS Region (e.g., "us-east-1")
	Region string

	// Optional: AWS profile name (for local development)
	Profile string

	// Optional: Custom endpoint (for LocalStack testing)
	Endpoint string

	// Zero disables caching
	CacheTTL time.Duration
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSStore reads secrets from AWS Secrets Manager
type AWSStore struct {
	client SecretsManagerAPI
	logger *zap.Logger
	cache  *secretCache
}

var _ ports.SecretStore = (*AWSStore)(nil)

// NewAWSStore loads AWS credentials from the default chain or a named profile
func NewAWSStore(ctx context.Context, cfg AWSConfig, logger *zap.Logger) (*AWSStore, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOptions []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	logger.Info("AWS Secrets Manager store initialized",
		zap.String("region", cfg.Region),
		zap.Duration("cache_ttl", cfg.CacheTTL),
	)

	return NewAWSStoreWithClient(secretsmanager.NewFromConfig(awsConfig, clientOptions...), cfg.CacheTTL, logger), nil
}

// NewAWSStoreWithClient uses an existing client
func NewAWSStoreWithClient(client SecretsManagerAPI, cacheTTL time.Duration, logger *zap.Logger) *AWSStore {
	return &AWSStore{client: client, logger: logger, cache: newSecretCache(cacheTTL)}
}

// GetSecret fetches the secret string; "name#field" selects a JSON field
func (s *AWSStore) GetSecret(ctx context.Context, name string) (string, error) {
	path, field := splitName(name)

	raw, ok := s.cache.get(path)
	if !ok {
		startTime := time.Now()
		result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(path),
		})
		if err != nil {
			var notFound *smtypes.ResourceNotFoundException
			if errors.As(err, &notFound) {
				return "", fmt.Errorf("%w: %s", ErrSecretNotFound, path)
			}
			s.logger.Error("Failed to retrieve secret",
				zap.String("path", path),
				zap.Error(err),
			)
			return "", fmt.Errorf("failed to get secret %s: %w", path, err)
		}

		raw = aws.ToString(result.SecretString)
		s.cache.set(path, raw)

		s.logger.Info("Secret retrieved from AWS Secrets Manager",
			zap.String("path", path),
			zap.String("version", aws.ToString(result.VersionId)),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}

	return selectField(raw, field)
}
