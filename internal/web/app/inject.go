package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// InjectOptions describes a fake request for Inject
type InjectOptions struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	// Body is sent as is when it is a string, []byte or io.Reader. Other
	// values are encoded as JSON with a JSON content type.
	Body       interface{}
	RemoteAddr string
	Context    context.Context
}

// InjectResponse is the response captured by Inject
type InjectResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Header returns a response header value
func (r *InjectResponse) Header(name string) string {
	return r.Headers.Get(name)
}

// String returns the body as text
func (r *InjectResponse) String() string {
	return string(r.Body)
}

// JSON decodes the body into v
func (r *InjectResponse) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("response body is not JSON: %w", err)
	}
	return nil
}

// Inject dispatches a fake request without a network round trip. It
// readies the application first.
func (a *App) Inject(opts InjectOptions) (*InjectResponse, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}

	in, err := opts.incoming()
	if err != nil {
		return nil, err
	}

	var res *InjectResponse
	a.Dispatch(in, func(out *response.Outgoing) {
		res = &InjectResponse{
			StatusCode: out.StatusCode,
			Headers:    out.Header,
			Body:       out.Body,
		}
	})
	return res, nil
}

func (opts InjectOptions) incoming() (*request.Incoming, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	target := opts.URL
	if target == "" {
		target = "/"
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid inject url %q: %w", target, err)
	}
	if len(opts.Query) > 0 {
		query := u.Query()
		for name, value := range opts.Query {
			query.Set(name, value)
		}
		u.RawQuery = query.Encode()
	}

	header := make(http.Header)
	for name, value := range opts.Headers {
		header.Set(name, value)
	}

	var body []byte
	switch b := opts.Body.(type) {
	case nil:
	case string:
		body = []byte(b)
	case []byte:
		body = b
	case io.Reader:
		body, err = io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("failed to read inject body: %w", err)
		}
	default:
		body, err = json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode inject body: %w", err)
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", request.MediaTypeJSON)
		}
	}
	if opts.Body != nil && header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	remoteAddr := opts.RemoteAddr
	if remoteAddr == "" {
		remoteAddr = "127.0.0.1:0"
	}

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}

	return &request.Incoming{
		Method:        method,
		URL:           u.RequestURI(),
		Header:        header,
		Body:          bytes.NewReader(body),
		RemoteAddr:    remoteAddr,
		ContentLength: int64(len(body)),
		Context:       ctx,
	}, nil
}
