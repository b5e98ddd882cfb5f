package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecretsManager struct {
	values map[string]*secretsmanager.GetSecretValueOutput
	calls  []string
}

func (c *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	id := aws.ToString(in.SecretId)
	c.calls = append(c.calls, id)
	out, ok := c.values[id]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return out, nil
}

func TestParseRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "env:MIXER_DSN", want: Ref{Scheme: SchemeEnv, Name: "MIXER_DSN"}},
		{in: " AWS:prod/mixer/dsn ", want: Ref{Scheme: SchemeAWS, Name: "prod/mixer/dsn"}},
		{in: "postgres://u:p@db:5432/mixer", want: Ref{Name: "postgres://u:p@db:5432/mixer"}},
		{in: "env:", wantErr: true},
		{in: "   ", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseRef(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("ParseRef(%q): expected ErrInvalidConfig, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRef(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestResolver_Env(t *testing.T) {
	t.Setenv("MIXER_SECRET_TEST_DSN", "  postgres://x  ")

	r := NewResolver()
	got, err := r.Resolve(context.Background(), "env:MIXER_SECRET_TEST_DSN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "postgres://x" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := r.Resolve(context.Background(), "env:MIXER_SECRET_TEST_MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver_AWS(t *testing.T) {
	t.Parallel()

	client := &fakeSecretsManager{values: map[string]*secretsmanager.GetSecretValueOutput{
		"mixer/dsn": {SecretString: aws.String(" postgres://aws ")},
		"mixer/bin": {SecretBinary: []byte("raw")},
		"mixer/nil": {},
	}}
	p, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	r := NewResolverWith(nil, p)
	ctx := context.Background()

	if got, err := r.Resolve(ctx, "aws:mixer/dsn"); err != nil || got != "postgres://aws" {
		t.Fatalf("aws string: got %q err %v", got, err)
	}
	if got, err := r.Resolve(ctx, "aws:mixer/bin"); err != nil || got != "raw" {
		t.Fatalf("aws binary: got %q err %v", got, err)
	}
	if _, err := r.Resolve(ctx, "aws:mixer/nil"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Resolve(ctx, "aws:missing"); err == nil {
		t.Fatalf("expected error for missing secret")
	}
	if _, err := r.Resolve(ctx, "env:ANY"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for disabled env, got %v", err)
	}
	if len(client.calls) != 4 {
		t.Fatalf("expected 4 aws calls, got %d", len(client.calls))
	}
}

func TestResolver_Literal(t *testing.T) {
	t.Parallel()

	r := NewResolverWith(nil, nil)
	got, err := r.Resolve(context.Background(), "host=db user=mixer")
	if err != nil || got != "host=db user=mixer" {
		t.Fatalf("literal: got %q err %v", got, err)
	}
	if _, err := r.Resolve(context.Background(), "aws:x"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
