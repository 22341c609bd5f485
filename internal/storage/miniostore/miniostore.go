// Package miniostore implements storage.Store on a MinIO server.
package miniostore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Martian-dev/mailvault/internal/storage"
)

// Options configures the MinIO client
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Region skips the bucket location lookup; defaults to us-east-1
	Region string
}

// Store writes archive objects to one MinIO bucket
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO and checks that the bucket exists
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ok, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, wrap("bucket", opts.Bucket, "", err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %q does not exist", opts.Bucket)
	}
	return &Store{client: client, bucket: opts.Bucket}, nil
}

// Put stats the key first and only uploads when nothing is stored there.
// MinIO has no conditional put in this client, so two writers racing on one
// key may both upload; the content is deterministic so the result is the same.
func (s *Store) Put(ctx context.Context, key string, data []byte, opts storage.PutOptions) (storage.PutResult, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return storage.Created, err
	}
	if exists {
		return storage.Conflict, nil
	}

	meta := map[string]string{}
	if opts.Principal != "" {
		meta["principal"] = opts.Principal
	}
	if opts.Account != "" {
		meta["account"] = opts.Account
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: meta,
	})
	if err != nil {
		return storage.Created, wrap("put", s.bucket, key, err)
	}
	return storage.Created, nil
}

// Exists reports whether an object is stored under key
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	wrapped := wrap("stat", s.bucket, key, err)
	if storage.IsNotFound(wrapped) {
		return false, nil
	}
	return false, wrapped
}

// Get downloads an object
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap("get", s.bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, wrap("get", s.bucket, key, err)
	}
	return data, nil
}

// List walks every object under prefix
func (s *Store) List(ctx context.Context, prefix string, fn func(storage.ObjectInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return wrap("list", s.bucket, prefix, obj.Err)
		}
		if err := fn(storage.ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func wrap(op, bucket, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	status := resp.StatusCode
	switch resp.Code {
	case "NoSuchKey", "NoSuchObject":
		status = 404
	case "SlowDown", "SlowDownRead", "SlowDownWrite":
		status = 429
	}
	return storage.Classified(op, bucket, key, status, 0, err)
}
