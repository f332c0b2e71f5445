package server

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/conduit-lang/relay/internal/web/response"
)

// CompressionConfig controls gzip encoding of response bodies
type CompressionConfig struct {
	// Level is the gzip compression level (1-9, default 6)
	Level int
	// MinSize is the minimum response size to compress (in bytes)
	MinSize int
	// ExcludedContentTypes are media type prefixes that are never compressed
	ExcludedContentTypes []string
}

// DefaultCompressionConfig returns the default compression configuration
func DefaultCompressionConfig() *CompressionConfig {
	return &CompressionConfig{
		Level:   gzip.DefaultCompression,
		MinSize: 1024,
		ExcludedContentTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// compressor gzips whole outgoing bodies. The dispatcher produces the
// complete body at once, so there is no streaming writer to wrap.
type compressor struct {
	config CompressionConfig
	pool   sync.Pool
}

func newCompressor(config CompressionConfig) *compressor {
	if config.Level == 0 {
		config.Level = gzip.DefaultCompression
	}
	c := &compressor{config: config}
	c.pool.New = func() interface{} {
		w, err := gzip.NewWriterLevel(nil, config.Level)
		if err != nil {
			w = gzip.NewWriter(nil)
		}
		return w
	}
	return c
}

// apply compresses out in place when the client accepts gzip and the body
// qualifies
func (c *compressor) apply(r *http.Request, out *response.Outgoing) {
	if !acceptsGzip(r.Header.Get("Accept-Encoding")) {
		return
	}
	if len(out.Body) < c.config.MinSize || len(out.Body) == 0 {
		return
	}
	if out.Header.Get("Content-Encoding") != "" {
		return
	}
	contentType := out.Header.Get("Content-Type")
	for _, excluded := range c.config.ExcludedContentTypes {
		if strings.HasPrefix(contentType, excluded) {
			return
		}
	}

	w := c.pool.Get().(*gzip.Writer)
	defer c.pool.Put(w)

	var buf bytes.Buffer
	w.Reset(&buf)
	if _, err := w.Write(out.Body); err != nil {
		return
	}
	if err := w.Close(); err != nil {
		return
	}

	out.Body = buf.Bytes()
	out.Header.Set("Content-Encoding", "gzip")
	out.Header.Add("Vary", "Accept-Encoding")
	out.Header.Set("Content-Length", strconv.Itoa(len(out.Body)))
}

func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		// gzip;q=0 means the client refuses it
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}
