package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Store{
		client:     cfg.S3Client,
		bucket:     bucket,
		prefix:     cfg.Prefix,
		maxGetSize: maxGet,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	return s.put(ctx, key, payload, opts, false)
}

// Create relies on S3 conditional writes (If-None-Match: *).
func (s *s3Store) Create(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	return s.put(ctx, key, payload, opts, true)
}

func (s *s3Store) put(ctx context.Context, key string, payload []byte, opts PutOptions, exclusive bool) error {
	logical, err := normalizeKey(key)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logical)),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if meta := cloneMetadata(opts.Metadata); len(meta) > 0 {
		input.Metadata = meta
	}
	if exclusive {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if exclusive && hasCode(err, "PreconditionFailed", "412") {
			return fmt.Errorf("%w: %s", ErrExists, logical)
		}
		return fmt.Errorf("blobstore/s3: put %q: %w", logical, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	logical, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logical)),
	})
	if err != nil {
		if hasCode(err, "NoSuchKey", "NotFound", "404") {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", logical, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", logical, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, logical, s.maxGetSize)
	}

	return Object{
		Key:          logical,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     cloneMetadata(out.Metadata),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	logical, err := normalizeKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logical)),
	})
	if err != nil {
		if hasCode(err, "NoSuchKey", "NotFound", "404") {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/s3: head %q: %w", logical, err)
	}
	return true, nil
}

func hasCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
