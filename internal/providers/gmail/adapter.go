// Package gmail reads Google Workspace mailboxes through domain-wide delegation.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/sync"
)

// ServiceFactory returns a Gmail client acting as account
type ServiceFactory func(ctx context.Context, account string) (*gmail.Service, error)

// Adapter implements sync.Source for Gmail
type Adapter struct {
	factory ServiceFactory

	mu       gosync.Mutex
	services map[string]*gmail.Service
}

var _ sync.Source = (*Adapter)(nil)

// New creates an adapter that impersonates each account with the service
// account key stored at saJSONPath
func New(saJSONPath string) (*Adapter, error) {
	key, err := os.ReadFile(saJSONPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read service account key: %w", err)
	}
	// parse once up front so a broken key fails configuration, not the first account
	if _, err := google.JWTConfigFromJSON(key, gmail.GmailReadonlyScope); err != nil {
		return nil, fmt.Errorf("unable to parse service account key: %w", err)
	}

	return NewWithFactory(func(ctx context.Context, account string) (*gmail.Service, error) {
		cfg, err := google.JWTConfigFromJSON(key, gmail.GmailReadonlyScope)
		if err != nil {
			return nil, err
		}
		cfg.Subject = account
		return gmail.NewService(ctx, option.WithHTTPClient(cfg.Client(context.WithoutCancel(ctx))))
	}), nil
}

// NewWithFactory creates an adapter from a custom client constructor
func NewWithFactory(factory ServiceFactory) *Adapter {
	return &Adapter{factory: factory, services: make(map[string]*gmail.Service)}
}

func (a *Adapter) service(ctx context.Context, account string) (*gmail.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if svc, ok := a.services[account]; ok {
		return svc, nil
	}
	svc, err := a.factory(ctx, account)
	if err != nil {
		return nil, ratelimit.Permanent(fmt.Errorf("%w: gmail client for %s: %w", mail.ErrAccountAccess, account, err))
	}
	a.services[account] = svc
	return svc, nil
}

// List returns one page of message ids newer than q.After
func (a *Adapter) List(ctx context.Context, account string, q mail.ListQuery) (*mail.Page, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List(account).IncludeSpamTrash(false).Context(ctx)
	if !q.After.IsZero() {
		// after: is exclusive and second-granular
		call = call.Q(fmt.Sprintf("after:%d", q.After.Unix()-1))
	}
	if q.PageSize > 0 {
		call = call.MaxResults(int64(q.PageSize))
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify(fmt.Errorf("list messages of %s: %w", account, err))
	}

	page := &mail.Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		ref := mail.MessageRef{ID: m.Id}
		if m.InternalDate > 0 {
			ref.Timestamp = time.UnixMilli(m.InternalDate).UTC()
		}
		page.Refs = append(page.Refs, ref)
	}
	return page, nil
}

// Get fetches the raw RFC 5322 content of one message
func (a *Adapter) Get(ctx context.Context, account, id string) (*mail.Message, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}

	m, err := svc.Users.Messages.Get(account, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify(fmt.Errorf("get message %s: %w", id, err))
	}

	raw, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, ratelimit.Permanent(fmt.Errorf("decode message %s: %w", id, err))
	}

	msg := &mail.Message{
		ID:        m.Id,
		Account:   account,
		ThreadID:  m.ThreadId,
		Timestamp: time.UnixMilli(m.InternalDate).UTC(),
		Raw:       raw,
		Labels:    m.LabelIds,
		Snippet:   m.Snippet,
	}
	if err := msg.Describe(); err != nil {
		return nil, ratelimit.Permanent(err)
	}
	return msg, nil
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// classify maps Gmail API errors onto the retry policy: quota and server
// errors are transient, authorization and missing resources are not
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	wait := ratelimit.RetryAfter(gerr.Header.Get("Retry-After"), time.Now())

	switch {
	case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
		return ratelimit.Transient(err, wait)
	case gerr.Code == http.StatusForbidden && rateLimited(gerr):
		return ratelimit.Transient(err, wait)
	case gerr.Code == http.StatusNotFound:
		return ratelimit.Permanent(fmt.Errorf("%w: %w", mail.ErrMessageNotFound, err))
	case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
		return ratelimit.Permanent(fmt.Errorf("%w: %w", mail.ErrAccountAccess, err))
	case gerr.Code == http.StatusBadRequest && failedPrecondition(gerr):
		// mailbox not enabled for Gmail
		return ratelimit.Permanent(fmt.Errorf("%w: %w", mail.ErrAccountAccess, err))
	}
	return ratelimit.Permanent(err)
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "backendError":
			return true
		}
	}
	return false
}

func failedPrecondition(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if item.Reason == "failedPrecondition" {
			return true
		}
	}
	return false
}
