// Package outlook reads Microsoft 365 mailboxes through Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailvault/internal/mail"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/sync"
)

var listSelect = []string{"id", "receivedDateTime"}

// Adapter implements sync.Source and sync.Directory for Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

var (
	_ sync.Source    = (*Adapter)(nil)
	_ sync.Directory = (*Adapter)(nil)
)

// New creates an adapter authenticated with an application access token
func New(accessToken string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{client: client}, nil
}

// List returns one page of messages received at or after q.After, oldest first.
// The page token is Graph's @odata.nextLink.
func (a *Adapter) List(ctx context.Context, account string, q mail.ListQuery) (*mail.Page, error) {
	builder := a.client.Users().ByUserId(account).Messages()

	var (
		result models.MessageCollectionResponseable
		err    error
	)
	if q.PageToken != "" {
		result, err = builder.WithUrl(q.PageToken).Get(ctx, nil)
	} else {
		params := &users.ItemMessagesRequestBuilderGetQueryParameters{
			Select:  listSelect,
			Orderby: []string{"receivedDateTime asc"},
		}
		if q.PageSize > 0 {
			params.Top = Int32Ptr(int32(q.PageSize))
		}
		if !q.After.IsZero() {
			filter := "receivedDateTime ge " + q.After.UTC().Format(time.RFC3339)
			params.Filter = &filter
		}
		result, err = builder.Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params})
	}
	if err != nil {
		return nil, classify(fmt.Errorf("list messages of %s: %w", account, err))
	}

	page := &mail.Page{}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	for _, msg := range result.GetValue() {
		id := msg.GetId()
		if id == nil {
			continue
		}
		ref := mail.MessageRef{ID: *id}
		if rcvd := msg.GetReceivedDateTime(); rcvd != nil {
			ref.Timestamp = rcvd.UTC()
		}
		page.Refs = append(page.Refs, ref)
	}
	return page, nil
}

// Get fetches the MIME content of one message
func (a *Adapter) Get(ctx context.Context, account, id string) (*mail.Message, error) {
	item := a.client.Users().ByUserId(account).Messages().ByMessageId(id)

	meta, err := item.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "receivedDateTime", "categories", "bodyPreview"},
		},
	})
	if err != nil {
		return nil, classify(fmt.Errorf("get message %s: %w", id, err))
	}

	raw, err := item.Content().Get(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("get content of %s: %w", id, err))
	}

	msg := &mail.Message{
		ID:      id,
		Account: account,
		Raw:     raw,
		Labels:  meta.GetCategories(),
	}
	if convID := meta.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if rcvd := meta.GetReceivedDateTime(); rcvd != nil {
		msg.Timestamp = rcvd.UTC()
	}
	if preview := meta.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if err := msg.Describe(); err != nil {
		return nil, ratelimit.Permanent(err)
	}
	return msg, nil
}

// Accounts lists the tenant's users that have a mailbox address
func (a *Adapter) Accounts(ctx context.Context) ([]mail.Account, error) {
	result, err := a.client.Users().Get(ctx, &users.UsersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UsersRequestBuilderGetQueryParameters{
			Select: []string{"mail", "userPrincipalName", "accountEnabled"},
			Top:    Int32Ptr(999),
		},
	})

	var accounts []mail.Account
	for {
		if err != nil {
			return nil, classify(fmt.Errorf("list users: %w", err))
		}
		for _, u := range result.GetValue() {
			if acct, ok := normalizeUser(u); ok {
				accounts = append(accounts, acct)
			}
		}

		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			return accounts, nil
		}
		result, err = a.client.Users().WithUrl(*next).Get(ctx, nil)
	}
}

func normalizeUser(u models.Userable) (mail.Account, bool) {
	var email string
	if m := u.GetMail(); m != nil && *m != "" {
		email = *m
	} else if upn := u.GetUserPrincipalName(); upn != nil {
		email = *upn
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return mail.Account{}, false
	}

	acct := mail.Account{Email: email, Domain: mail.DomainOf(email)}
	if enabled := u.GetAccountEnabled(); enabled != nil && !*enabled {
		acct.Suspended = true
	}
	return acct, true
}

// classify maps Graph errors onto the retry policy
func classify(err error) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return err
	}

	var wait time.Duration
	if odataErr.ResponseHeaders != nil {
		if values := odataErr.ResponseHeaders.Get("Retry-After"); len(values) > 0 {
			wait = ratelimit.RetryAfter(values[0], time.Now())
		}
	}

	switch code := odataErr.ResponseStatusCode; {
	case code == http.StatusTooManyRequests, code >= 500:
		return ratelimit.Transient(err, wait)
	case code == http.StatusNotFound:
		return ratelimit.Permanent(fmt.Errorf("%w: %w", mail.ErrMessageNotFound, err))
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ratelimit.Permanent(fmt.Errorf("%w: %w", mail.ErrAccountAccess, err))
	}
	return ratelimit.Permanent(err)
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
