package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/gabriel-vasile/mimetype"

	"github.com/Martian-dev/mailvault/internal/mail"
)

// Provenance headers written into every artifact
const (
	HeaderAccount      = "X-Mailvault-Account"
	HeaderMessageID    = "X-Mailvault-Message-Id"
	HeaderInternalDate = "X-Mailvault-Internal-Date"
	HeaderLabels       = "X-Gmail-Labels"

	defaultContentType = "message/rfc822"
)

var (
	ErrEmpty     = errors.New("message has no content")
	ErrTooLarge  = errors.New("message exceeds size limit")
	ErrMalformed = errors.New("message header is malformed")
)

// Artifact is the durable form of one message
type Artifact struct {
	Path        string
	Content     []byte
	ContentType string
}

// Convert produces the .eml bytes for a message: the original MIME message with
// provenance headers set and CRLF line endings. The output only depends on its inputs.
func Convert(account string, m *mail.Message, maxBytes int64) ([]byte, error) {
	if len(m.Raw) == 0 {
		return nil, fmt.Errorf("message %s: %w", m.ID, ErrEmpty)
	}
	if maxBytes > 0 && int64(len(m.Raw)) > maxBytes {
		return nil, fmt.Errorf("message %s (%d bytes): %w", m.ID, len(m.Raw), ErrTooLarge)
	}

	br := bufio.NewReader(bytes.NewReader(m.Raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w: %v", m.ID, ErrMalformed, err)
	}
	if hdr.Len() == 0 {
		return nil, fmt.Errorf("message %s: %w: no header fields", m.ID, ErrMalformed)
	}

	hdr.Set(HeaderAccount, strings.ToLower(account))
	hdr.Set(HeaderMessageID, m.ID)
	if !m.Timestamp.IsZero() {
		hdr.Set(HeaderInternalDate, m.Timestamp.UTC().Format(time.RFC3339))
	}
	if len(m.Labels) > 0 && !hdr.Has(HeaderLabels) {
		hdr.Set(HeaderLabels, strings.Join(m.Labels, ","))
	}

	var buf bytes.Buffer
	buf.Grow(len(m.Raw) + 256)
	if err := textproto.WriteHeader(&buf, hdr); err != nil {
		return nil, fmt.Errorf("message %s: write header: %w", m.ID, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("message %s: read body: %w", m.ID, err)
	}
	buf.Write(normalizeCRLF(body))
	return buf.Bytes(), nil
}

// ContentType detects the artifact media type, falling back to message/rfc822
func ContentType(content []byte) string {
	mt := mimetype.Detect(content)
	if mt.Is("message/rfc822") || mt.Is("text/plain") || mt.Is("application/octet-stream") {
		return defaultContentType
	}
	return mt.String()
}

func normalizeCRLF(b []byte) []byte {
	if !bytes.Contains(b, []byte("\n")) {
		return b
	}
	out := make([]byte, 0, len(b)+len(b)/32)
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}
