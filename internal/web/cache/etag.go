package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// GenerateETag generates a strong ETag for the given content
func GenerateETag(content []byte) string {
	hash := sha256.Sum256(content)
	return `"` + hex.EncodeToString(hash[:16]) + `"`
}

// ParseIfNoneMatch splits an If-None-Match header into entity tags
func ParseIfNoneMatch(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if header == "*" {
		return []string{"*"}
	}

	var etags []string
	for _, part := range strings.Split(header, ",") {
		tag := strings.TrimSpace(part)
		weak := strings.HasPrefix(tag, "W/")
		bare := strings.TrimPrefix(tag, "W/")
		if len(bare) < 2 || bare[0] != '"' || bare[len(bare)-1] != '"' {
			continue
		}
		if weak {
			bare = "W/" + bare
		}
		etags = append(etags, bare)
	}
	return etags
}

// MatchesETag uses weak comparison, as If-None-Match requires
func MatchesETag(etag string, etags []string) bool {
	if len(etags) == 1 && etags[0] == "*" {
		return true
	}
	target := strings.TrimPrefix(etag, "W/")
	for _, e := range etags {
		if strings.TrimPrefix(e, "W/") == target {
			return true
		}
	}
	return false
}

// NotModified reports whether a conditional request can be answered with
// 304. If-None-Match takes precedence over If-Modified-Since.
func NotModified(header http.Header, etag string, lastModified time.Time) bool {
	if inm := header.Get("If-None-Match"); inm != "" {
		return MatchesETag(etag, ParseIfNoneMatch(inm))
	}

	ims := header.Get("If-Modified-Since")
	if ims == "" || lastModified.IsZero() {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !lastModified.Truncate(time.Second).After(since)
}
