// Package s3store implements storage.Store on Amazon S3 and S3-compatible services.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/storage"
)

// API is the subset of the S3 client used by Store, so tests can substitute it
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configures the S3 client
type Options struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// Store writes archive objects to one bucket
type Store struct {
	client API
	bucket string
}

// New creates a Store from the default AWS credential chain
func New(ctx context.Context, opts Options) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
		// retries are paced by the caller
		o.RetryMaxAttempts = 1
	})
	return NewWithClient(client, opts.Bucket), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client API, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Put uploads data with If-None-Match so an existing key is never overwritten
func (s *Store) Put(ctx context.Context, key string, data []byte, opts storage.PutOptions) (storage.PutResult, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   aws.String("*"),
		Metadata:      metadata(opts),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	_, err := s.client.PutObject(ctx, input)
	if err == nil {
		return storage.Created, nil
	}
	if status(err) == 412 || code(err) == "PreconditionFailed" {
		return storage.Conflict, nil
	}
	if status(err) == 409 {
		// a concurrent conditional write is in flight; the retry will see the object
		return storage.Created, storage.Classified("put", s.bucket, key, 503, 0, err)
	}
	return storage.Created, s.wrap("put", key, err)
}

// Exists reports whether an object is stored under key
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	wrapped := s.wrap("head", key, err)
	if storage.IsNotFound(wrapped) {
		return false, nil
	}
	return false, wrapped
}

// Get downloads an object
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, storage.NewObjectError("get", s.bucket, key, err)
	}
	return data, nil
}

// List walks every object under prefix using continuation tokens
func (s *Store) List(ctx context.Context, prefix string, fn func(storage.ObjectInfo) error) error {
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return s.wrap("list", prefix, err)
		}

		for _, obj := range out.Contents {
			info := storage.ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			if err := fn(info); err != nil {
				return err
			}
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (s *Store) wrap(op, key string, err error) error {
	st := status(err)
	switch code(err) {
	case "NoSuchKey", "NotFound":
		st = 404
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
		st = 429
	case "AccessDenied":
		st = 403
	}
	return storage.Classified(op, s.bucket, key, st, retryAfter(err), err)
}

func retryAfter(err error) time.Duration {
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.Response != nil && re.Response.Response != nil {
		return ratelimit.RetryAfter(re.Response.Header.Get("Retry-After"), time.Now())
	}
	return 0
}

func status(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func code(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func metadata(opts storage.PutOptions) map[string]string {
	md := map[string]string{}
	if opts.Principal != "" {
		md["principal"] = opts.Principal
	}
	if opts.Account != "" {
		md["account"] = opts.Account
	}
	return md
}
