package server

import (
	"net/http"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// HandlerOption configures Handler
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	compressor *compressor
}

// WithCompression gzips qualifying response bodies
func WithCompression(config CompressionConfig) HandlerOption {
	return func(c *handlerConfig) {
		c.compressor = newCompressor(config)
	}
}

// Handler adapts an application to net/http. Each request is dispatched
// once and the outgoing response written as is.
func Handler(a *app.App, opts ...HandlerOption) http.Handler {
	config := &handlerConfig{}
	for _, opt := range opts {
		opt(config)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in := &request.Incoming{
			Method:        r.Method,
			URL:           r.URL.RequestURI(),
			Header:        r.Header,
			Body:          r.Body,
			RemoteAddr:    r.RemoteAddr,
			ContentLength: r.ContentLength,
			Context:       r.Context(),
		}
		a.Dispatch(in, func(out *response.Outgoing) {
			if config.compressor != nil && r.Method != http.MethodHead {
				config.compressor.apply(r, out)
			}
			write(w, out)
		})
	})
}

func write(w http.ResponseWriter, out *response.Outgoing) {
	header := w.Header()
	for name, values := range out.Header {
		header[name] = append([]string(nil), values...)
	}
	if !bodyAllowed(out.StatusCode) {
		header.Del("Content-Length")
	}

	w.WriteHeader(out.StatusCode)
	if len(out.Body) > 0 && bodyAllowed(out.StatusCode) {
		_, _ = w.Write(out.Body)
	}
}

// bodyAllowed reports whether a status may carry a body
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
