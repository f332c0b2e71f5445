package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"sync"

	"github.com/conduit-lang/relay/internal/web/response"
)

// DefaultBodyLimit is the body limit applied when none is configured
const DefaultBodyLimit int64 = 1 << 20

// multipartChunkSize is the chunk size used to feed the multipart parser
const multipartChunkSize = 32 << 10

// Built-in media types
const (
	MediaTypeJSON      = "application/json"
	MediaTypeForm      = "application/x-www-form-urlencoded"
	MediaTypeText      = "text/plain"
	MediaTypeBinary    = "application/octet-stream"
	MediaTypeMultipart = "multipart/form-data"
)

// ParserFunc decodes a fully received body
type ParserFunc func(req *Request, body []byte) (interface{}, error)

// Registry maps normalized media types to body parsers and enforces the
// body size limit before any parser runs.
type Registry struct {
	mu        sync.RWMutex
	custom    map[string]ParserFunc
	builtin   map[string]ParserFunc
	bodyLimit int64
	upload    UploadConfig
}

// NewRegistry creates a parser registry with the built-in parsers
func NewRegistry() *Registry {
	r := &Registry{
		custom:    make(map[string]ParserFunc),
		bodyLimit: DefaultBodyLimit,
		upload:    DefaultUploadConfig(),
	}
	r.builtin = map[string]ParserFunc{
		MediaTypeJSON:      parseJSON,
		MediaTypeForm:      parseForm,
		MediaTypeText:      parseText,
		MediaTypeBinary:    parseBinary,
		MediaTypeMultipart: r.parseMultipart,
	}
	return r
}

// Add registers a parser for a media type. Matching is case-insensitive
// and ignores parameters. A custom parser shadows a built-in one.
func (r *Registry) Add(mediaType string, fn ParserFunc) error {
	if fn == nil {
		return fmt.Errorf("parser for %q cannot be nil", mediaType)
	}
	key := NormalizeMediaType(mediaType)
	if key == "" {
		return fmt.Errorf("media type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.custom[key]; exists {
		return fmt.Errorf("a parser for %q is already registered", key)
	}
	r.custom[key] = fn
	return nil
}

// Has reports whether a custom or built-in parser handles the media type
func (r *Registry) Has(mediaType string) bool {
	_, ok := r.lookup(NormalizeMediaType(mediaType))
	return ok
}

// Remove drops a custom parser. Built-in parsers cannot be removed.
func (r *Registry) Remove(mediaType string) bool {
	key := NormalizeMediaType(mediaType)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.custom[key]; !ok {
		return false
	}
	delete(r.custom, key)
	return true
}

// SetBodyLimit sets the maximum accepted body size in bytes
func (r *Registry) SetBodyLimit(limit int64) error {
	if limit <= 0 {
		return fmt.Errorf("body limit must be positive, got %d", limit)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodyLimit = limit
	return nil
}

// BodyLimit returns the configured body limit
func (r *Registry) BodyLimit() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bodyLimit
}

// SetUploadConfig replaces the multipart limits
func (r *Registry) SetUploadConfig(config UploadConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upload = config
}

// Parse decodes the request body with the registry's body limit
func (r *Registry) Parse(req *Request) (interface{}, error) {
	return r.ParseWithLimit(req, r.BodyLimit())
}

// ParseWithLimit decodes the request body. The limit is checked against
// the declared Content-Length and then against the bytes actually read,
// whatever the content type. A body without Content-Type yields no
// content once it passes the limit.
func (r *Registry) ParseWithLimit(req *Request, limit int64) (interface{}, error) {
	if limit <= 0 {
		limit = r.BodyLimit()
	}

	if req.ContentLength > limit {
		return nil, response.PayloadTooLarge(limit)
	}

	body, err := readLimited(req.Payload(), limit)
	if err != nil {
		return nil, err
	}
	if req.ContentLength >= 0 && int64(len(body)) != req.ContentLength {
		return nil, response.BadRequest("request body size did not match Content-Length").
			WithCode("invalid_content_length")
	}

	contentType := req.ContentType()
	if contentType == "" {
		return nil, nil
	}
	fn, ok := r.lookup(contentType)
	if !ok {
		return nil, response.UnsupportedMediaType(contentType)
	}
	return fn(req, body)
}

func (r *Registry) lookup(mediaType string) (ParserFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.custom[mediaType]; ok {
		return fn, true
	}
	fn, ok := r.builtin[mediaType]
	return fn, ok
}

// readLimited reads at most limit bytes and fails if the body is longer
func readLimited(payload io.Reader, limit int64) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(payload, limit+1))
	if err != nil {
		return nil, response.BadRequest("failed to read request body").WithCause(err)
	}
	if int64(len(body)) > limit {
		return nil, response.PayloadTooLarge(limit)
	}
	return body, nil
}

// parseJSON parses a JSON request body
func parseJSON(_ *Request, body []byte) (interface{}, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, response.BadRequest("body cannot be empty when content-type is set to 'application/json'").
			WithCode("empty_json_body")
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	var target interface{}
	if err := decoder.Decode(&target); err != nil {
		return nil, response.BadRequest(fmt.Sprintf("invalid JSON: %v", err)).
			WithCode("invalid_json").WithCause(err)
	}

	// Check if there's additional data after the JSON value
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, response.BadRequest("request body contains multiple JSON values").
			WithCode("invalid_json")
	}

	return target, nil
}

// parseForm parses URL-encoded form data
func parseForm(_ *Request, body []byte) (interface{}, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, response.BadRequest(fmt.Sprintf("invalid form data: %v", err)).WithCause(err)
	}
	return valuesToMap(values), nil
}

func parseText(_ *Request, body []byte) (interface{}, error) {
	return string(body), nil
}

func parseBinary(_ *Request, body []byte) (interface{}, error) {
	return body, nil
}

// parseMultipart feeds the body through the incremental multipart parser
func (r *Registry) parseMultipart(req *Request, body []byte) (interface{}, error) {
	_, params, err := mime.ParseMediaType(req.GetHeader("Content-Type"))
	if err != nil {
		return nil, response.BadRequest("invalid multipart content type").WithCause(err)
	}

	r.mu.RLock()
	config := r.upload
	r.mu.RUnlock()

	parser, err := NewMultipartParser(params["boundary"], config)
	if err != nil {
		return nil, response.BadRequest(err.Error()).WithCause(err)
	}

	for start := 0; start < len(body); start += multipartChunkSize {
		end := start + multipartChunkSize
		if end > len(body) {
			end = len(body)
		}
		if _, err := parser.Write(body[start:end]); err != nil {
			return nil, classifyMultipartError(err)
		}
	}

	form, err := parser.Close()
	if err != nil {
		return nil, classifyMultipartError(err)
	}
	return form, nil
}

func classifyMultipartError(err error) error {
	var httpErr *response.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return response.BadRequest(err.Error()).WithCode("invalid_multipart").WithCause(err)
}

// valuesToMap converts url.Values to a map, keeping repeated keys as slices
func valuesToMap(values url.Values) map[string]interface{} {
	result := make(map[string]interface{}, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			result[key] = vals[0]
		} else {
			result[key] = vals
		}
	}
	return result
}

// QueryMap flattens query parameters the same way form bodies are flattened
func QueryMap(values url.Values) map[string]interface{} {
	return valuesToMap(values)
}

// IsBodyMethod reports whether a method carries a body that should be parsed
func IsBodyMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE", "OPTIONS":
		return true
	default:
		return false
	}
}
