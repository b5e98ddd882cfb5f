// Package secrets resolves credentials referenced from flags, such as the
// Postgres DSN, without putting them on the command line.
//
// A reference is "env:NAME" or "aws:SECRET_ID". A bare value is returned as-is.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	SchemeEnv = "env"
	SchemeAWS = "aws"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// Ref is a parsed secret reference. Scheme is empty for literal values.
type Ref struct {
	Scheme string
	Name   string
}

func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty reference", ErrInvalidConfig)
	}
	scheme, name, ok := strings.Cut(s, ":")
	switch strings.ToLower(scheme) {
	case SchemeEnv, SchemeAWS:
	default:
		// postgres://..., host=... and other literals.
		return Ref{Name: s}, nil
	}
	if !ok || strings.TrimSpace(name) == "" {
		return Ref{}, fmt.Errorf("%w: %q has no name", ErrInvalidConfig, s)
	}
	return Ref{Scheme: strings.ToLower(scheme), Name: strings.TrimSpace(name)}, nil
}

// Resolver dispatches references to providers by scheme. The AWS provider is
// created on first use so env-only deployments never load AWS config.
type Resolver struct {
	env Provider

	mu     sync.Mutex
	aws    Provider
	newAWS func(ctx context.Context) (Provider, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		env: EnvProvider{},
		newAWS: func(ctx context.Context) (Provider, error) {
			return NewAWS(ctx)
		},
	}
}

// NewResolverWith builds a resolver from explicit providers. A nil provider
// makes its scheme fail with ErrInvalidConfig.
func NewResolverWith(env, secretsManager Provider) *Resolver {
	return &Resolver{env: env, aws: secretsManager}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "":
		return parsed.Name, nil
	case SchemeEnv:
		if r.env == nil {
			return "", fmt.Errorf("%w: env provider disabled", ErrInvalidConfig)
		}
		return r.env.Get(ctx, parsed.Name)
	default:
		p, err := r.awsProvider(ctx)
		if err != nil {
			return "", err
		}
		return p.Get(ctx, parsed.Name)
	}
}

func (r *Resolver) awsProvider(ctx context.Context) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}
	if r.newAWS == nil {
		return nil, fmt.Errorf("%w: aws provider disabled", ErrInvalidConfig)
	}
	p, err := r.newAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.aws = p
	return p, nil
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads from AWS Secrets Manager.
type AWSProvider struct {
	client secretsManagerAPI
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client secretsManagerAPI) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, id string) (string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: aws %q: %w", id, err)
	}
	if v := strings.TrimSpace(aws.ToString(out.SecretString)); v != "" {
		return v, nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: aws %q is empty", ErrNotFound, id)
}

type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, name)
	}
	return v, nil
}
