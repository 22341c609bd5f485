package index

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailvault/internal/archive"
)

const snippetBytes = 500

// Record is the searchable metadata of one archived message
type Record struct {
	ID              string    `json:"id"`
	Account         string    `json:"account"`
	MessageID       string    `json:"message_id"`
	HeaderMessageID string    `json:"header_message_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Sender          string    `json:"sender"`
	Recipients      string    `json:"recipients"`
	Subject         string    `json:"subject"`
	Snippet         string    `json:"snippet"`
	Path            string    `json:"path"`
	Size            int64     `json:"size"`
	HasAttachments  bool      `json:"has_attachments"`
	AttachmentNames []string  `json:"attachment_names,omitempty"`
	Labels          string    `json:"labels,omitempty"`
}

// RecordID is the index key of a message
func RecordID(account, messageID string) string {
	return strings.ToLower(account) + ":" + messageID
}

// RecordFromArtifact derives a record purely from an artifact's key and bytes.
// Incremental indexing and rebuilds both go through here.
func RecordFromArtifact(root, key string, data []byte) (*Record, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	if mr == nil {
		return nil, fmt.Errorf("parse %s: no message", key)
	}
	defer mr.Close()
	h := mr.Header

	rec := &Record{
		Account:         strings.ToLower(h.Get(archive.HeaderAccount)),
		MessageID:       h.Get(archive.HeaderMessageID),
		HeaderMessageID: strings.Trim(h.Get("Message-Id"), "<> "),
		Sender:          text(h, "From"),
		Recipients:      strings.Join(nonEmpty(text(h, "To"), text(h, "Cc"), text(h, "Bcc")), ", "),
		Path:            key,
		Size:            int64(len(data)),
		Labels:          h.Get(archive.HeaderLabels),
	}
	if subject, err := h.Subject(); err == nil {
		rec.Subject = subject
	} else {
		rec.Subject = h.Get("Subject")
	}
	if raw := h.Get(archive.HeaderInternalDate); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.Timestamp = ts.UTC()
		}
	}

	if rec.Account == "" || rec.MessageID == "" || rec.Timestamp.IsZero() {
		loc, err := archive.ParsePath(root, key)
		if err != nil {
			return nil, fmt.Errorf("artifact %s lacks provenance: %w", key, err)
		}
		if rec.Account == "" {
			rec.Account = strings.ToLower(loc.Account)
		}
		if rec.MessageID == "" {
			rec.MessageID = loc.MessageID
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = loc.Timestamp
		}
	}
	rec.ID = RecordID(rec.Account, rec.MessageID)

	walkParts(mr, rec)
	return rec, nil
}

func walkParts(mr *gomail.Reader, rec *Record) {
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return
		}

		switch ph := p.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := ph.ContentType()
			if rec.Snippet == "" && (ct == "text/plain" || ct == "") {
				rec.Snippet = snippet(p.Body)
			}
		case *gomail.AttachmentHeader:
			name, _ := ph.Filename()
			if name == "" {
				name = "unnamed"
			}
			rec.HasAttachments = true
			rec.AttachmentNames = append(rec.AttachmentNames, name)
		}
	}
}

func snippet(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, snippetBytes+utf8.UTFMax))
	s := strings.ToValidUTF8(string(buf), "")
	if len(s) > snippetBytes {
		cut := snippetBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

func text(h gomail.Header, key string) string {
	if v, err := h.Text(key); err == nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(h.Get(key))
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

