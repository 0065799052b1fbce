package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"accounts/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when a requested secret or key is missing.
var ErrSecretNotFound = errors.New("secret not found")

// Backend reads one secret value and reports how long it stays valid. A zero
// lease means the backend gave no lifetime.
type Backend interface {
	Read(ctx context.Context, req config.SecretRequest) (value string, lease time.Duration, err error)
}

// NewBackend builds the backend selected by cfg.Provider.
func NewBackend(cfg config.VaultConfig) (Backend, error) {
	switch cfg.Provider {
	case "", "vault":
		return NewVaultBackend(cfg)
	case "aws":
		return NewAWSBackend(cfg.AWS)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", cfg.Provider)
	}
}

// VaultBackend reads KV secrets from HashiCorp Vault.
type VaultBackend struct {
	client *api.Client
}

// NewVaultBackend creates a Vault client for cfg.
func NewVaultBackend(cfg config.VaultConfig) (*VaultBackend, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client, err := api.NewClient(&api.Config{
		Address: cfg.Address,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	return &VaultBackend{client: client}, nil
}

// Read fetches req from a KV v1 or v2 mount. KVVersion 0 means v2.
func (b *VaultBackend) Read(ctx context.Context, req config.SecretRequest) (string, time.Duration, error) {
	p := path.Join(req.Mount, "data", req.Path)
	if req.KVVersion == 1 {
		p = path.Join(req.Mount, req.Path)
	}

	secret, err := b.client.Logical().ReadWithContext(ctx, p)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", 0, fmt.Errorf("%w at path %s", ErrSecretNotFound, p)
	}

	data := secret.Data
	if req.KVVersion != 1 {
		inner, ok := secret.Data["data"].(map[string]interface{})
		if !ok {
			return "", 0, fmt.Errorf("%w at path %s", ErrSecretNotFound, p)
		}
		data = inner
	}

	value, ok := data[req.Key]
	if !ok {
		return "", 0, fmt.Errorf("%w: key %s not in %s", ErrSecretNotFound, req.Key, p)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", 0, fmt.Errorf("secret value for key %s is not a string", req.Key)
	}

	return strValue, time.Duration(secret.LeaseDuration) * time.Second, nil
}

// AWSBackend reads JSON secrets from AWS Secrets Manager.
type AWSBackend struct {
	client *secretsmanager.SecretsManager
}

// NewAWSBackend creates a Secrets Manager client for cfg.
func NewAWSBackend(cfg config.AWSConfig) (*AWSBackend, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &AWSBackend{client: secretsmanager.New(sess)}, nil
}

// Read fetches the secret named req.Path and returns the JSON field req.Key.
func (b *AWSBackend) Read(ctx context.Context, req config.SecretRequest) (string, time.Duration, error) {
	result, err := b.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(req.Path),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to get secret from AWS: %w", err)
	}
	if result.SecretString == nil {
		return "", 0, fmt.Errorf("%w: %s has no string value", ErrSecretNotFound, req.Path)
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &values); err != nil {
		return "", 0, fmt.Errorf("failed to parse AWS secret JSON: %w", err)
	}
	value, ok := values[req.Key]
	if !ok {
		return "", 0, fmt.Errorf("%w: key %s not in %s", ErrSecretNotFound, req.Key, req.Path)
	}
	return value, 0, nil
}
