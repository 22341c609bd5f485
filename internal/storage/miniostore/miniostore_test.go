package miniostore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/storage"
)

func TestWrapClassifiesMinioErrors(t *testing.T) {
	tests := []struct {
		name     string
		resp     minio.ErrorResponse
		sentinel error
		outcome  ratelimit.Outcome
	}{
		{"missing key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, storage.ErrNotFound, ratelimit.Fatal},
		{"missing object without status", minio.ErrorResponse{Code: "NoSuchObject"}, storage.ErrNotFound, ratelimit.Fatal},
		{"slow down", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, storage.ErrThrottled, ratelimit.Retryable},
		{"denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, storage.ErrAccessDenied, ratelimit.Fatal},
		{"server error", minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError}, storage.ErrUnavailable, ratelimit.Retryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("stat", "archive", "root/a/m1.eml", tt.resp)

			assert.ErrorIs(t, err, tt.sentinel)
			var serr *storage.Error
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, "stat", serr.Op)
			assert.Equal(t, "root/a/m1.eml", serr.Key)
			outcome, _ := ratelimit.Classify(err)
			assert.Equal(t, tt.outcome, outcome)
		})
	}
}

// fakeS3 answers the handful of calls the store makes on bucket "archive"
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]bool
	calls   []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/archive"), "/")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+key)

	switch {
	case key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead && f.objects[key]:
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Last-Modified", time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.Header().Set("Content-Type", "message/rfc822")
		w.Header().Set("Content-Length", "12")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPut:
		f.objects[key] = true
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeS3) methods(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if method, k, _ := strings.Cut(c, " "); k == key {
			out = append(out, method)
		}
	}
	return out
}

type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	fake  *fakeS3
	store *Store
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (suite *StoreSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.fake = &fakeS3{objects: map[string]bool{}}
	server := httptest.NewServer(suite.fake)
	suite.T().Cleanup(server.Close)

	store, err := New(suite.ctx, Options{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "archive",
	})
	require.NoError(suite.T(), err)
	suite.store = store
}

func (suite *StoreSuite) TestPutCreatesMissingObject() {
	res, err := suite.store.Put(suite.ctx, "root/a/m1.eml", []byte("Subject: x\r\n"), storage.PutOptions{Account: "a@example.com"})

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), storage.Created, res)
	assert.Equal(suite.T(), []string{http.MethodHead, http.MethodPut}, suite.fake.methods("root/a/m1.eml"))
}

func (suite *StoreSuite) TestPutLeavesExistingObjectAlone() {
	suite.fake.objects["root/a/m1.eml"] = true

	res, err := suite.store.Put(suite.ctx, "root/a/m1.eml", []byte("Subject: x\r\n"), storage.PutOptions{})

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), storage.Conflict, res)
	assert.Equal(suite.T(), []string{http.MethodHead}, suite.fake.methods("root/a/m1.eml"))
}

func (suite *StoreSuite) TestExists() {
	suite.fake.objects["root/a/m1.eml"] = true

	ok, err := suite.store.Exists(suite.ctx, "root/a/m1.eml")
	require.NoError(suite.T(), err)
	assert.True(suite.T(), ok)

	ok, err = suite.store.Exists(suite.ctx, "root/a/m2.eml")
	require.NoError(suite.T(), err)
	assert.False(suite.T(), ok)
}
