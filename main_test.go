package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailvault/internal/config"
	"github.com/Martian-dev/mailvault/internal/index"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/server"
)

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := writeCSV(&buf, []index.Record{{
		Timestamp:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Account:         "alice@example.com",
		MessageID:       "m1",
		Sender:          "Dave <dave@example.com>",
		Subject:         "Contract, final",
		HasAttachments:  true,
		AttachmentNames: []string{"a.pdf", "b.pdf"},
		Size:            1234,
		Path:            "root/alice@example.com/2024/03/01/x.eml",
	}})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "timestamp", rows[0][0])
	assert.Equal(t, "2024-03-01T10:00:00Z", rows[1][0])
	assert.Equal(t, "Contract, final", rows[1][5])
	assert.Equal(t, "a.pdf,b.pdf", rows[1][7])
}

func TestParseDay(t *testing.T) {
	d, err := parseDay("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)

	d, err = parseDay("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = parseDay("29/02/2024")
	assert.Error(t, err)
}

func TestNewLimiterSpacesUploadsSeparately(t *testing.T) {
	cfg, err := config.FromEnv(func(key string) string {
		switch key {
		case "RATE_LIMIT_DELAY":
			return "0"
		case "UPLOAD_DELAY":
			return "1h"
		}
		return ""
	})
	require.NoError(t, err)

	l := newLimiter(cfg)
	assert.NoError(t, l.BeforeCall(t.Context(), ratelimit.ClassGet))
	assert.NoError(t, l.BeforeCall(t.Context(), ratelimit.ClassGet))
	assert.NoError(t, l.BeforeCall(t.Context(), ratelimit.ClassUpload))

	// the next upload slot is an hour away
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.BeforeCall(ctx, ratelimit.ClassUpload), context.DeadlineExceeded)
}

func jwksServer(t *testing.T) *httptest.Server {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.FromRaw(raw.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "k1"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAttachVerifierGuardsTheAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwks := jwksServer(t)
	cfg, err := config.FromEnv(func(key string) string {
		if key == "SEARCH_JWKS_URL" {
			return jwks.URL
		}
		return ""
	})
	require.NoError(t, err)

	srv := &server.Server{}
	require.NoError(t, attachVerifier(t.Context(), cfg, srv))
	require.NotNil(t, srv.Verifier)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages/alice@example.com/m1?raw=true", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAttachVerifierWithoutJWKSLeavesAPIOpen(t *testing.T) {
	cfg, err := config.FromEnv(func(string) string { return "" })
	require.NoError(t, err)

	srv := &server.Server{}
	require.NoError(t, attachVerifier(t.Context(), cfg, srv))
	assert.Nil(t, srv.Verifier)
}
