package cache

import (
	"mime"
	"net/http"
	"strings"
	"time"
)

// StoragePolicy tells the store whether a response may be persisted.
type StoragePolicy int

const (
	StorageAllowed StoragePolicy = iota
	StorageNotAllowed
)

// Category is a coarse document type used to break down disk usage.
type Category int

const (
	CategoryOther Category = iota
	CategoryPage
	CategoryImage
	CategoryVideo
)

var categoryNames = [...]string{"other", "page", "image", "video"}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return categoryNames[CategoryOther]
	}
	return categoryNames[c]
}

// CategoryForMIME maps a MIME type to its Category.
func CategoryForMIME(mimeType string) Category {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return CategoryPage
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case strings.HasPrefix(mt, "video/"):
		return CategoryVideo
	default:
		return CategoryOther
	}
}

// Metadata describes the cached response. The zero value is a body-only entry.
type Metadata struct {
	StatusCode int           `json:"status_code,omitempty"`
	Header     http.Header   `json:"header,omitempty"`
	MIMEType   string        `json:"mime_type,omitempty"`
	Policy     StoragePolicy `json:"policy,omitempty"`
}

// Category returns the document category derived from the MIME type.
func (m Metadata) Category() Category {
	mt := m.MIMEType
	if mt == "" && m.Header != nil {
		mt = m.Header.Get("Content-Type")
	}
	return CategoryForMIME(mt)
}

// Entry is a cached response.
type Entry struct {
	Identity   Identity
	Metadata   Metadata
	Body       []byte
	StoredAt   time.Time
	AccessedAt time.Time
	// ExpiresAt is zero when the entry never expires logically.
	ExpiresAt time.Time
	Size      int64
}

// Expired reports whether the entry is logically expired at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
