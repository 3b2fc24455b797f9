package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

//go:generate moq -out mocks/secretsmanager.go -pkg mocks -skip-ensure -fmt goimports . secretsmanagerClient:SecretsManagerClient

// AWSSecretsProvider is a provider for AWS Secrets Manager
type AWSSecretsProvider struct {
	client secretsmanagerClient
}

type secretsmanagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewAWSSecretsProvider creates a new instance of AWSSecretsProvider with static credentials
func NewAWSSecretsProvider(ctx context.Context, accessKeyID, secretAccessKey, region string) (*AWSSecretsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	if err != nil {
		return nil, fmt.Errorf("error creating aws config: %w", err)
	}
	return &AWSSecretsProvider{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Get gets a string secret from AWS Secrets Manager
func (p *AWSSecretsProvider) Get(ctx context.Context, key string) (string, error) {
	result, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("error reading aws secret for %q: %w", key, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("%w: %q has no string value", ErrNotFound, key)
	}
	return *result.SecretString, nil
}
