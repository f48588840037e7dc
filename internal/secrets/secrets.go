// Package secrets resolves sensitive configuration values (relayer keys,
// API bearer tokens, database passwords) from AWS Secrets Manager or the
// environment.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

// Provider fetches one secret by key.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads from AWS Secrets Manager.
type AWSProvider struct {
	sm awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{sm: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.sm == nil {
		return "", fmt.Errorf("%w: aws provider not initialized", ErrInvalidConfig)
	}
	name, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	out, err := p.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", fmt.Errorf("secrets: fetch %q: %w", name, err)
	}
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		return strings.TrimSpace(*out.SecretString), nil
	case len(out.SecretBinary) > 0:
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q is empty", ErrNotFound, name)
}

// EnvProvider reads from the process environment.
type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: env provider not initialized", ErrInvalidConfig)
	}
	name, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: env %s is unset or empty", ErrNotFound, name)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	return key, nil
}

// Resolver dispatches a scheme-prefixed reference to the matching provider:
//
//	aws:NAME  -> AWS Secrets Manager lookup of NAME
//	env:NAME  -> environment variable NAME
//	anything else is returned verbatim (a literal value)
//
// The aws provider is constructed lazily on first use so local setups never
// touch AWS config.
type Resolver struct {
	aws func(ctx context.Context) (Provider, error)
	env Provider
}

func NewResolver() *Resolver {
	return &Resolver{
		aws: func(ctx context.Context) (Provider, error) { return NewAWS(ctx) },
		env: NewEnv(),
	}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if name, ok := strings.CutPrefix(ref, "aws:"); ok {
		p, err := r.aws(ctx)
		if err != nil {
			return "", err
		}
		return p.Get(ctx, name)
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		return r.env.Get(ctx, name)
	}
	return ref, nil
}
