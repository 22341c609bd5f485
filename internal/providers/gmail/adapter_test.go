package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
)

const rawMessage = "From: Carol <carol@example.com>\r\nTo: alice@example.com\r\nSubject: Lunch\r\n\r\nSee you.\r\n"

type AdapterSuite struct {
	suite.Suite
	server  *httptest.Server
	adapter *Adapter
	handler http.HandlerFunc
	queries []string
}

func TestAdapter(t *testing.T) {
	suite.Run(t, new(AdapterSuite))
}

func (suite *AdapterSuite) SetupTest() {
	suite.queries = nil
	suite.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suite.queries = append(suite.queries, r.URL.RawQuery)
		suite.handler(w, r)
	}))
	suite.adapter = NewWithFactory(func(ctx context.Context, account string) (*gmail.Service, error) {
		return gmail.NewService(ctx, option.WithEndpoint(suite.server.URL+"/"), option.WithHTTPClient(suite.server.Client()))
	})
}

func (suite *AdapterSuite) TearDownTest() {
	suite.server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(code int, reason string) map[string]any {
	return map[string]any{"error": map[string]any{
		"code":    code,
		"message": reason,
		"errors":  []map[string]any{{"reason": reason, "message": reason}},
	}}
}

func (suite *AdapterSuite) TestListPagesWithWindow() {
	suite.handler = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, 200, map[string]any{
				"messages":      []map[string]any{{"id": "m1"}, {"id": "m2"}},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, 200, map[string]any{"messages": []map[string]any{{"id": "m3"}}})
	}
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := suite.adapter.List(context.Background(), "alice@example.com", mail.ListQuery{After: after, PageSize: 2})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "p2", first.NextPageToken)
	assert.Len(suite.T(), first.Refs, 2)

	second, err := suite.adapter.List(context.Background(), "alice@example.com", mail.ListQuery{After: after, PageToken: "p2", PageSize: 2})
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), second.NextPageToken)
	assert.Equal(suite.T(), "m3", second.Refs[0].ID)

	assert.Contains(suite.T(), suite.queries[0], "q=after%3A1704067199")
	assert.Contains(suite.T(), suite.queries[0], "maxResults=2")
}

func (suite *AdapterSuite) TestGetDecodesRawContent() {
	suite.handler = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(suite.T(), "m1", path.Base(r.URL.Path))
		assert.Equal(suite.T(), "raw", r.URL.Query().Get("format"))
		writeJSON(w, 200, map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"internalDate": "1714989600000",
			"labelIds":     []string{"INBOX"},
			"raw":          base64.URLEncoding.EncodeToString([]byte(rawMessage)),
		})
	}

	m, err := suite.adapter.Get(context.Background(), "alice@example.com", "m1")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), []byte(rawMessage), m.Raw)
	assert.Equal(suite.T(), time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC), m.Timestamp)
	assert.Equal(suite.T(), "Lunch", m.Subject)
	assert.Equal(suite.T(), "carol@example.com", m.Sender)
	assert.Equal(suite.T(), []string{"INBOX"}, m.Labels)
	assert.Equal(suite.T(), "alice@example.com", m.Account)
}

func (suite *AdapterSuite) TestQuotaErrorsAreRetryable() {
	suite.handler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, 429, apiError(429, "rateLimitExceeded"))
	}

	_, err := suite.adapter.List(context.Background(), "alice@example.com", mail.ListQuery{})

	outcome, hint := ratelimit.Classify(err)
	assert.Equal(suite.T(), ratelimit.Retryable, outcome)
	assert.Equal(suite.T(), 7*time.Second, hint)
}

func (suite *AdapterSuite) TestForbiddenRateLimitIsRetryable() {
	suite.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 403, apiError(403, "userRateLimitExceeded"))
	}

	_, err := suite.adapter.Get(context.Background(), "alice@example.com", "m1")

	outcome, _ := ratelimit.Classify(err)
	assert.Equal(suite.T(), ratelimit.Retryable, outcome)
}

func (suite *AdapterSuite) TestAccessDeniedIsAccountLevel() {
	suite.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 403, apiError(403, "forbidden"))
	}

	_, err := suite.adapter.List(context.Background(), "alice@example.com", mail.ListQuery{})

	outcome, _ := ratelimit.Classify(err)
	assert.Equal(suite.T(), ratelimit.Fatal, outcome)
	assert.ErrorIs(suite.T(), err, mail.ErrAccountAccess)
}

func (suite *AdapterSuite) TestMissingMessageIsUnitLevel() {
	suite.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, apiError(404, "notFound"))
	}

	_, err := suite.adapter.Get(context.Background(), "alice@example.com", "gone")

	assert.ErrorIs(suite.T(), err, mail.ErrMessageNotFound)
	assert.NotErrorIs(suite.T(), err, mail.ErrAccountAccess)
}

func TestDecodeRawAcceptsUnpaddedInput(t *testing.T) {
	enc := strings.TrimRight(base64.URLEncoding.EncodeToString([]byte("ab")), "=")

	out, err := decodeRaw(enc)

	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), out)
}
