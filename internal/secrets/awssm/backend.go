// Package awssm - хранилище секретов в AWS Secrets Manager.
package awssm

import (
	"context"
	"errors"
	"fmt"

	"alertsync/internal/secrets"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// API - используемое подмножество клиента Secrets Manager.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type Backend struct {
	client API
}

var _ secrets.Backend = (*Backend)(nil)

// New создает backend с конфигурацией AWS по умолчанию для региона.
func New(ctx context.Context, region string) (*Backend, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Backend{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// NewWithClient создает backend поверх готового клиента.
func NewWithClient(client API) *Backend {
	return &Backend{client: client}
}

func (b *Backend) Fetch(ctx context.Context, secretID string) ([]byte, error) {
	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%s: %w", secretID, secrets.ErrNotFound)
		}
		return nil, fmt.Errorf("get secret value %s: %w", secretID, err)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	return nil, fmt.Errorf("%s has no value: %w", secretID, secrets.ErrNotFound)
}
