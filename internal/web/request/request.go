package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownDecoration is returned by Call for names that were never applied
var ErrUnknownDecoration = errors.New("unknown request decoration")

// Incoming is the transport-neutral request handed to the dispatcher
type Incoming struct {
	Method     string
	URL        string
	Header     http.Header
	Body       io.Reader
	RemoteAddr string
	// ContentLength is the declared body size, or -1 when unknown
	ContentLength int64
	Context       context.Context
}

// Request is the per-request object seen by hooks and handlers. It is owned
// by a single request pipeline and must not be retained after the response
// is delivered.
type Request struct {
	ID            string
	Method        string
	URL           string
	Path          string
	Query         url.Values
	Header        http.Header
	Params        map[string]string
	RoutePattern  string
	RemoteAddr    string
	ContentLength int64

	// Body holds the parsed payload after content-type parsing
	Body interface{}
	// Validated holds the schema-validated querystring, params and headers,
	// keyed by location
	Validated map[string]interface{}

	ctx     context.Context
	log     *zap.Logger
	payload io.Reader

	mu          sync.RWMutex
	decorations map[string]func() interface{}
}

// FromIncoming builds a Request from a transport request
func FromIncoming(in *Incoming) (*Request, error) {
	if in == nil {
		return nil, fmt.Errorf("incoming request cannot be nil")
	}

	u, err := url.ParseRequestURI(in.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", in.URL, err)
	}

	header := in.Header
	if header == nil {
		header = make(http.Header)
	}

	ctx := in.Context
	if ctx == nil {
		ctx = context.Background()
	}

	contentLength := in.ContentLength
	if declared := header.Get("Content-Length"); declared != "" {
		if n, err := strconv.ParseInt(declared, 10, 64); err == nil && n >= 0 {
			contentLength = n
		}
	}

	payload := in.Body
	if payload == nil {
		payload = http.NoBody
	}

	return &Request{
		Method:        strings.ToUpper(in.Method),
		URL:           in.URL,
		Path:          u.Path,
		Query:         u.Query(),
		Header:        header,
		Params:        map[string]string{},
		Validated:     map[string]interface{}{},
		RemoteAddr:    in.RemoteAddr,
		ContentLength: contentLength,
		ctx:           ctx,
		log:           zap.NewNop(),
		payload:       payload,
		decorations:   make(map[string]func() interface{}),
	}, nil
}

// Context returns the request context
func (r *Request) Context() context.Context {
	return r.ctx
}

// SetContext replaces the request context
func (r *Request) SetContext(ctx context.Context) {
	r.ctx = ctx
}

// Log returns the request-scoped logger
func (r *Request) Log() *zap.Logger {
	return r.log
}

// SetLogger replaces the request-scoped logger
func (r *Request) SetLogger(logger *zap.Logger) {
	if logger != nil {
		r.log = logger
	}
}

// Payload returns the raw body stream
func (r *Request) Payload() io.Reader {
	return r.payload
}

// SetPayload replaces the raw body stream. preParsing hooks use it to
// wrap or substitute the body before content-type parsing. The declared
// Content-Length no longer applies afterwards.
func (r *Request) SetPayload(payload io.Reader) {
	r.payload = payload
	r.ContentLength = -1
}

// Param returns a path parameter
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// QueryValue returns the first value of a query parameter
func (r *Request) QueryValue(name string) string {
	return r.Query.Get(name)
}

// GetHeader returns a request header value
func (r *Request) GetHeader(name string) string {
	return r.Header.Get(name)
}

// ContentType returns the normalized media type: lower-cased with any
// parameters stripped. Empty when the header is absent.
func (r *Request) ContentType() string {
	return NormalizeMediaType(r.Header.Get("Content-Type"))
}

// NormalizeMediaType lower-cases a content type and drops its parameters
func NormalizeMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Decorate attaches a named decoration. resolve runs on every read.
func (r *Request) Decorate(name string, resolve func() interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decorations[name] = resolve
}

// Decoration reads a decoration by name
func (r *Request) Decoration(name string) (interface{}, bool) {
	r.mu.RLock()
	resolve, ok := r.decorations[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return resolve(), true
}

// Set replaces a decoration's value for this request only. The name must
// already be decorated.
func (r *Request) Set(name string, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decorations[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDecoration, name)
	}
	r.decorations[name] = func() interface{} { return value }
	return nil
}

// Call invokes a function decoration bound to this request
func (r *Request) Call(name string, args ...interface{}) (interface{}, error) {
	value, ok := r.Decoration(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDecoration, name)
	}
	fn, ok := value.(func(...interface{}) interface{})
	if !ok {
		return nil, fmt.Errorf("request decoration %s is not callable", name)
	}
	return fn(args...), nil
}
