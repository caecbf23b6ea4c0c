package httpcache

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iTrooz/urlcache/internal/cache"
)

// HeaderAge is set on responses rebuilt from the cache, in whole seconds since they were stored.
const HeaderAge = "Age"

// metadataFor converts a response into cache metadata and its expiry time.
// A zero expiry means the entry never expires.
func (d *HTTPCache) metadataFor(resp *http.Response) (cache.Metadata, time.Time) {
	meta := cache.Metadata{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		MIMEType:   mimeType(resp.Header.Get("Content-Type")),
		Policy:     cache.StorageAllowed,
	}

	now := d.opts.Now()
	var expiresAt time.Time
	if d.opts.TTL > 0 {
		expiresAt = now.Add(d.opts.TTL)
	}
	if !d.opts.RespectHeaders {
		return meta, expiresAt
	}

	cc := parseCacheControl(resp.Header.Get("Cache-Control"))
	if _, ok := cc["no-store"]; ok {
		meta.Policy = cache.StorageNotAllowed
		return meta, time.Time{}
	}
	for _, directive := range []string{"s-maxage", "max-age"} {
		v, ok := cc[directive]
		if !ok {
			continue
		}
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs < 0 {
			continue
		}
		return meta, now.Add(time.Duration(secs) * time.Second)
	}
	if v := resp.Header.Get("Expires"); v != "" {
		t, err := http.ParseTime(v)
		if err != nil {
			// Invalid Expires means already expired.
			return meta, now
		}
		return meta, t
	}
	return meta, expiresAt
}

// responseFor rebuilds an *http.Response from a cached entry.
func (d *HTTPCache) responseFor(e *cache.Entry, request *http.Request) *http.Response {
	status := e.Metadata.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := e.Metadata.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if !e.StoredAt.IsZero() {
		age := d.opts.Now().Sub(e.StoredAt)
		if age < 0 {
			age = 0
		}
		header.Set(HeaderAge, strconv.FormatInt(int64(age/time.Second), 10))
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       request,
	}
}

func mimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

// parseCacheControl splits a Cache-Control header into lowercased directives.
func parseCacheControl(v string) map[string]string {
	cc := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		cc[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return cc
}
