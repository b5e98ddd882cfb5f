// Package blobstore keeps immutable mixer artifacts: archived events and ledger
// snapshots. S3 backs production; memory backs tests and local runs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrExists        = errors.New("blobstore: already exists")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

type Store interface {
	// Put writes key, replacing any previous object.
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	// Create writes key only if it does not exist yet; otherwise ErrExists.
	Create(ctx context.Context, key string, payload []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 16 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: key has empty or relative segment", ErrInvalidKey)
		}
	}
	return key, nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func cloneMetadata(v map[string]string) map[string]string {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(val)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
