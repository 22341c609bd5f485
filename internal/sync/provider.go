package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Martian-dev/mailvault/internal/mail"
)

// Source lists and fetches the messages of one mailbox
type Source interface {
	// List returns one page of message refs received at or after q.After
	List(ctx context.Context, account string, q mail.ListQuery) (*mail.Page, error)
	// Get returns the full raw content of one message
	Get(ctx context.Context, account, id string) (*mail.Message, error)
}

// Directory enumerates the organization's mailboxes
type Directory interface {
	Accounts(ctx context.Context) ([]mail.Account, error)
}

// Principals maps accounts to the destination identity their archive is written as
type Principals struct {
	byAccount map[string]string
}

// LoadPrincipals reads a JSON object of account -> principal. An empty path
// yields a mapping where every account acts as itself.
func LoadPrincipals(path string) (*Principals, error) {
	if path == "" {
		return &Principals{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read principal map: %w", err)
	}
	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse principal map %s: %w", path, err)
	}
	return NewPrincipals(raw), nil
}

// NewPrincipals builds an explicit mapping; accounts absent from it have no principal
func NewPrincipals(m map[string]string) *Principals {
	p := &Principals{byAccount: make(map[string]string, len(m))}
	for account, principal := range m {
		p.byAccount[strings.ToLower(strings.TrimSpace(account))] = strings.TrimSpace(principal)
	}
	return p
}

// Resolve returns the principal for account, or false when it has none
func (p *Principals) Resolve(account string) (string, bool) {
	if p == nil || p.byAccount == nil {
		return account, true
	}
	principal, ok := p.byAccount[strings.ToLower(account)]
	if !ok || principal == "" {
		return "", false
	}
	return principal, true
}
