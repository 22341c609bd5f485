package archive

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Martian-dev/mailvault/internal/mail"
)

const (
	// Extension of every archived message
	Extension = ".eml"

	stampLayout  = "20060102_150405"
	maxSlugBytes = 80
	fallbackSlug = "message"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	whitespace   = regexp.MustCompile(`\s+`)
	unsafeChars  = regexp.MustCompile(`[\\/:*?"<>|]`)
)

// Path returns the deterministic artifact key of a message:
//
//	<root>/<account>/<YYYY>/<MM>/<DD>/<YYYYMMDD_HHMMSS>_<id>_<slug>.eml
//
// Dates are UTC. The same inputs always give the same key.
func Path(root, account string, m *mail.Message) string {
	ts := m.Timestamp.UTC()
	name := fmt.Sprintf("%s_%s_%s%s", ts.Format(stampLayout), EscapeID(m.ID), Slug(m.Subject), Extension)

	return AccountPrefix(root, account) + ts.Format("2006/01/02/") + name
}

// AccountPrefix is the key prefix under which every artifact of account lives
func AccountPrefix(root, account string) string {
	prefix := SafeComponent(strings.ToLower(account), 254) + "/"
	if root = strings.Trim(root, "/"); root != "" {
		prefix = root + "/" + prefix
	}
	return prefix
}

// Location is what ParsePath recovers from a key
type Location struct {
	Account   string
	Timestamp time.Time
	MessageID string
}

// ParsePath inverts Path for keys it produced
func ParsePath(root, key string) (Location, error) {
	rel := key
	if root = strings.Trim(root, "/"); root != "" {
		if !strings.HasPrefix(key, root+"/") {
			return Location{}, fmt.Errorf("key %q is outside root %q", key, root)
		}
		rel = strings.TrimPrefix(key, root+"/")
	}

	parts := strings.Split(rel, "/")
	if len(parts) != 5 || !strings.HasSuffix(parts[4], Extension) {
		return Location{}, fmt.Errorf("key %q is not an archive path", key)
	}

	name := strings.TrimSuffix(parts[4], Extension)
	if len(name) < len(stampLayout)+2 || name[len(stampLayout)] != '_' {
		return Location{}, fmt.Errorf("key %q has no timestamp prefix", key)
	}
	ts, err := time.ParseInLocation(stampLayout, name[:len(stampLayout)], time.UTC)
	if err != nil {
		return Location{}, fmt.Errorf("key %q: %w", key, err)
	}

	rest := name[len(stampLayout)+1:]
	escaped, _, _ := strings.Cut(rest, "_")
	id, err := url.PathUnescape(escaped)
	if err != nil || id == "" {
		return Location{}, fmt.Errorf("key %q has no message id", key)
	}

	return Location{Account: parts[0], Timestamp: ts, MessageID: id}, nil
}

// EscapeID makes a provider id safe and underscore-free; PathUnescape reverses it
func EscapeID(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.', c == '=':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// Slug is the subject reduced to a filename-safe component, or "message" when empty
func Slug(subject string) string {
	if s := SafeComponent(subject, maxSlugBytes); s != "" {
		return s
	}
	return fallbackSlug
}

// SafeComponent strips control and reserved characters, collapses whitespace
// and truncates to maxBytes without splitting a UTF-8 sequence.
func SafeComponent(s string, maxBytes int) string {
	s = strings.ToValidUTF8(s, "_")
	s = controlChars.ReplaceAllString(s, "_")
	s = whitespace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = unsafeChars.ReplaceAllString(s, "_")

	if len(s) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.TrimSpace(s[:cut])
	}
	return s
}
