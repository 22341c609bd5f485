// Package mail holds the provider-neutral types that flow through the sync pipeline.
package mail

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

var (
	// ErrAccountAccess means the source refused access to the whole mailbox
	ErrAccountAccess = errors.New("mailbox access denied")
	// ErrMessageNotFound means a listed message vanished before it was fetched
	ErrMessageNotFound = errors.New("message not found")
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "google"
	ProviderMicrosoft ProviderName = "microsoft"
)

// Account is one mailbox of the organization
type Account struct {
	Email     string
	Domain    string
	Principal string // identity acted as at the destination
	Suspended bool
}

// MessageRef is a listing entry; Timestamp is zero when the source does not return it
type MessageRef struct {
	ID        string
	Timestamp time.Time
}

// ListQuery bounds one listing call
type ListQuery struct {
	After     time.Time
	PageToken string
	PageSize  int
}

// Page is one page of a listing
type Page struct {
	Refs          []MessageRef
	NextPageToken string
}

// Message is one fetched message unit
type Message struct {
	ID         string
	Account    string
	ThreadID   string
	Timestamp  time.Time
	Raw        []byte
	Labels     []string
	Snippet    string
	Subject    string
	Sender     string
	Recipients []string
	Size       int64
}

// Describe fills Subject, Sender, Recipients and Size from the raw RFC 5322 bytes.
// Only the header block is parsed.
func (m *Message) Describe() error {
	if len(m.Raw) == 0 {
		return fmt.Errorf("message %s: empty content", m.ID)
	}
	m.Size = int64(len(m.Raw))

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Raw)))
	if err != nil {
		return fmt.Errorf("message %s: read header: %w", m.ID, err)
	}
	h := gomail.Header{Header: message.Header{Header: hdr}}

	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	} else {
		m.Subject = h.Get("Subject")
	}
	m.Sender = FirstAddress(h, "From")
	m.Recipients = Addresses(h, "To", "Cc")

	if m.Timestamp.IsZero() {
		if date, err := h.Date(); err == nil {
			m.Timestamp = date.UTC()
		}
	}
	return nil
}

// FirstAddress returns the first address of a header field, or its raw value when unparsable
func FirstAddress(h gomail.Header, key string) string {
	if list, err := h.AddressList(key); err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(h.Get(key))
}

// Addresses collects the addresses of several header fields
func Addresses(h gomail.Header, keys ...string) []string {
	var out []string
	for _, key := range keys {
		list, err := h.AddressList(key)
		if err != nil {
			out = append(out, SplitAddrs(h.Get(key))...)
			continue
		}
		for _, a := range list {
			out = append(out, a.Address)
		}
	}
	return out
}

// SplitAddrs parses comma-separated email addresses
func SplitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// DomainOf returns the lower-cased domain part of an address
func DomainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}
