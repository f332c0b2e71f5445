package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/conduit-lang/relay/internal/web/request"
)

// KeyGenerator derives cache keys from requests
type KeyGenerator struct {
	// IncludeQuery includes query parameters in the cache key
	IncludeQuery bool
	// VaryHeaders are request headers whose values split the cache
	VaryHeaders []string
	// Prefix is prepended to all cache keys
	Prefix string
}

// DefaultKeyGenerator returns a default key generator
func DefaultKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		IncludeQuery: true,
		VaryHeaders:  []string{"Accept", "Accept-Encoding"},
		Prefix:       "http:",
	}
}

// Key returns the cache key for req. HEAD shares GET's key.
func (kg *KeyGenerator) Key(req *request.Request) string {
	method := req.Method
	if method == "HEAD" {
		method = "GET"
	}
	return kg.key(method, req.Path, req.Query, func(name string) string {
		return req.GetHeader(name)
	})
}

func (kg *KeyGenerator) key(method, path string, query url.Values, header func(string) string) string {
	parts := []string{method, path}

	if kg.IncludeQuery && len(query) > 0 {
		// url.Values.Encode sorts by key
		sorted := make(url.Values, len(query))
		for name, values := range query {
			vs := append([]string(nil), values...)
			sort.Strings(vs)
			sorted[name] = vs
		}
		parts = append(parts, sorted.Encode())
	}

	var vary []string
	for _, name := range kg.VaryHeaders {
		if value := header(name); value != "" {
			vary = append(vary, strings.ToLower(name)+"="+value)
		}
	}
	if len(vary) > 0 {
		sort.Strings(vary)
		parts = append(parts, strings.Join(vary, "|"))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return kg.Prefix + method + ":" + hex.EncodeToString(sum[:16])
}
