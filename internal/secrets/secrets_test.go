package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	out *secretsmanager.GetSecretValueOutput
	err error
}

func (f *fakeAWSClient) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

func TestEnvProvider(t *testing.T) {
	p := NewEnv()

	t.Setenv("CUSTODIA_TEST_SECRET", "  token-value  ")
	got, err := p.Get(context.Background(), "CUSTODIA_TEST_SECRET")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "token-value" {
		t.Fatalf("value = %q, want token-value", got)
	}

	if _, err := p.Get(context.Background(), "CUSTODIA_TEST_MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing env err = %v, want ErrNotFound", err)
	}
	if _, err := p.Get(context.Background(), "  "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty key err = %v, want ErrInvalidConfig", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr(" 0xabc ")},
	})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "relayer-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "0xabc" {
		t.Fatalf("value = %q, want 0xabc", got)
	}

	p2, err := NewAWSWithClient(&fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{},
	})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	if _, err := p2.Get(context.Background(), "empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty secret err = %v, want ErrNotFound", err)
	}

	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil client err = %v, want ErrInvalidConfig", err)
	}
}

func TestResolver(t *testing.T) {
	r := NewResolver()
	r.aws = func(context.Context) (Provider, error) {
		return NewAWSWithClient(&fakeAWSClient{
			out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr("from-aws")},
		})
	}

	t.Setenv("CUSTODIA_RESOLVER_SECRET", "from-env")

	got, err := r.Resolve(context.Background(), "aws:prod/relayer-key")
	if err != nil {
		t.Fatalf("Resolve aws: %v", err)
	}
	if got != "from-aws" {
		t.Fatalf("aws value = %q", got)
	}

	got, err = r.Resolve(context.Background(), "env:CUSTODIA_RESOLVER_SECRET")
	if err != nil {
		t.Fatalf("Resolve env: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("env value = %q", got)
	}

	got, err = r.Resolve(context.Background(), "literal-token")
	if err != nil {
		t.Fatalf("Resolve literal: %v", err)
	}
	if got != "literal-token" {
		t.Fatalf("literal value = %q", got)
	}
}
