// Package storage abstracts the object store that holds archived messages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailvault/internal/ratelimit"
)

// PutResult reports whether an upload created the object
type PutResult int

const (
	Created PutResult = iota
	// Conflict means an object already existed under the key; nothing was written
	Conflict
)

func (r PutResult) String() string {
	if r == Conflict {
		return "conflict"
	}
	return "created"
}

// PutOptions carries per-object attributes
type PutOptions struct {
	Principal   string
	Account     string
	ContentType string
}

// ObjectInfo describes a listed object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is an immutable-by-convention object store
type Store interface {
	// Put writes data under key unless an object already exists there
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (PutResult, error)
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// List calls fn for every object under prefix, stopping at the first error
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
}

// Sentinel errors for common storage failures.
var (
	ErrNotFound     = errors.New("storage: object not found")
	ErrAccessDenied = errors.New("storage: access denied")
	ErrThrottled    = errors.New("storage: too many requests")
	ErrUnavailable  = errors.New("storage: service unavailable")
)

// Error represents a storage operation error with context about the operation that failed.
type Error struct {
	// Op is the operation that failed (e.g., "put", "get", "list")
	Op string

	// Bucket is the bucket name (if applicable)
	Bucket string

	// Key is the object key (if applicable)
	Key string

	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage.%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("storage.%s bucket %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewObjectError creates a new Error with bucket and key context.
func NewObjectError(op, bucket, key string, err error) *Error {
	return &Error{Op: op, Bucket: bucket, Key: key, Err: err}
}

// Classified wraps err with the sentinel matching an HTTP status and marks it for
// the retry loop: throttling and server errors are transient, the rest permanent.
func Classified(op, bucket, key string, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == 404:
		return NewObjectError(op, bucket, key, fmt.Errorf("%w: %w", ErrNotFound, err))
	case status == 401 || status == 403:
		return ratelimit.Permanent(NewObjectError(op, bucket, key, fmt.Errorf("%w: %w", ErrAccessDenied, err)))
	case status == 429:
		return ratelimit.Transient(NewObjectError(op, bucket, key, fmt.Errorf("%w: %w", ErrThrottled, err)), retryAfter)
	case status == 408 || status >= 500:
		return ratelimit.Transient(NewObjectError(op, bucket, key, fmt.Errorf("%w: %w", ErrUnavailable, err)), retryAfter)
	}
	return NewObjectError(op, bucket, key, err)
}

// IsNotFound checks if an error indicates that an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
