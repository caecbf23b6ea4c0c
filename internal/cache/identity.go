package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Identity is the canonical fingerprint of a cached request: the hex SHA-256 of its
// normalized method, URL, selected headers and body digest.
type Identity string

// IdentityHeaders are the request headers that take part in an identity.
var IdentityHeaders = []string{"Host", "Accept", "Accept-Encoding", "Accept-Language", "Content-Type"}

// NewIdentity builds the identity of a request. Only IdentityHeaders are considered,
// and body may be nil.
func NewIdentity(method, rawURL string, header http.Header, body []byte) (Identity, error) {
	u, err := canonicalURL(rawURL)
	if err != nil {
		return "", err
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(u)
	b.WriteByte('\n')

	for _, k := range IdentityHeaders {
		if v, ok := header[k]; ok {
			joined := strings.Join(v, ",")
			if k == "Host" {
				joined = strings.ToLower(joined)
			}
			b.WriteString(k + ":" + joined + "\n")
		}
	}

	if len(body) > 0 {
		sum := sha256.Sum256(body)
		b.WriteString("body:" + hex.EncodeToString(sum[:]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return Identity(hex.EncodeToString(sum[:])), nil
}

// IdentityForURL is the identity of a plain GET of rawURL with no identity headers.
func IdentityForURL(rawURL string) (Identity, error) {
	return NewIdentity(http.MethodGet, rawURL, nil, nil)
}

// ParseIdentity validates s as the textual form of an Identity.
func ParseIdentity(s string) (Identity, error) {
	id := Identity(strings.ToLower(s))
	if !id.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	return id, nil
}

// Valid reports whether id has the shape of a SHA-256 hex digest.
func (id Identity) Valid() bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Short returns an abbreviated form for logs.
func (id Identity) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

func (id Identity) String() string {
	return string(id)
}

// canonicalURL lowercases scheme and host, drops default ports and the fragment,
// and sorts the query.
func canonicalURL(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidIdentity)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidIdentity, rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case "https":
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidIdentity, rawURL)
	}

	if u.Opaque == "" && u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = canonicalQuery(u.RawQuery)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	return u.String(), nil
}

// canonicalQuery sorts a well-formed query. A query that does not parse is kept
// verbatim, since decoding it would drop the pairs that fail.
func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	return values.Encode()
}
