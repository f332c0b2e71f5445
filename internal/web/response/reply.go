package response

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// State is the lifecycle state of a Reply. The only legal transition is
// Pending -> Sent, taken exactly once by Send.
type State int

const (
	// Pending means the reply can still be mutated
	Pending State = iota
	// Sent means the reply is final
	Sent
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadySent is returned by every mutator once the reply is Sent
	ErrAlreadySent = errors.New("reply already sent")
	// ErrInvalidStatus is returned for status codes outside 100-599
	ErrInvalidStatus = errors.New("invalid status code")
	// ErrUnknownDecoration is returned by Call for names that were never applied
	ErrUnknownDecoration = errors.New("unknown reply decoration")
)

// Content types selected by Send when none was set explicitly
const (
	ContentTypeJSON   = "application/json; charset=utf-8"
	ContentTypeText   = "text/plain; charset=utf-8"
	ContentTypeBinary = "application/octet-stream"
)

// Reply is the single-use response builder threaded through the request
// pipeline. It is safe for concurrent use because the timeout path may run
// alongside the handler.
type Reply struct {
	mu         sync.Mutex
	state      State
	statusCode int
	header     http.Header
	cookies    []*http.Cookie
	body       interface{}
	// size is the encoded body length, -1 until Build
	size int

	decorations map[string]func() interface{}
}

// New creates a pending reply with status 200
func New() *Reply {
	return &Reply{
		statusCode:  http.StatusOK,
		header:      make(http.Header),
		size:        -1,
		decorations: make(map[string]func() interface{}),
	}
}

// Status sets the status code
func (r *Reply) Status(code int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStatus(code)
}

// Code is an alias for Status
func (r *Reply) Code(code int) error {
	return r.Status(code)
}

// Header sets a response header, replacing any previous value
func (r *Reply) Header(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Sent {
		return ErrAlreadySent
	}
	r.header.Set(name, value)
	return nil
}

// Headers sets several headers at once. Either all are applied or none.
func (r *Reply) Headers(headers map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Sent {
		return ErrAlreadySent
	}
	for name, value := range headers {
		r.header.Set(name, value)
	}
	return nil
}

// Type sets the Content-Type header
func (r *Reply) Type(contentType string) error {
	return r.Header("Content-Type", contentType)
}

// SetCookie appends a Set-Cookie header
func (r *Reply) SetCookie(cookie *http.Cookie) error {
	if cookie == nil {
		return fmt.Errorf("cookie cannot be nil")
	}
	if err := cookie.Valid(); err != nil {
		return fmt.Errorf("invalid cookie: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Sent {
		return ErrAlreadySent
	}
	r.cookies = append(r.cookies, cookie)
	return nil
}

// Redirect sets the status and Location header and sends an empty body.
// A zero code means 302.
func (r *Reply) Redirect(code int, location string) error {
	if code == 0 {
		code = http.StatusFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.setStatus(code); err != nil {
		return err
	}
	r.header.Set("Location", location)
	return r.send(nil)
}

// Send finalizes the reply. It may be called exactly once.
func (r *Reply) Send(body interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.send(body)
}

func (r *Reply) setStatus(code int) error {
	if r.state == Sent {
		return ErrAlreadySent
	}
	if code < 100 || code > 599 {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, code)
	}
	r.statusCode = code
	return nil
}

func (r *Reply) send(body interface{}) error {
	if r.state == Sent {
		return ErrAlreadySent
	}

	if r.header.Get("Content-Type") == "" {
		switch body.(type) {
		case nil:
		case string:
			r.header.Set("Content-Type", ContentTypeText)
		case []byte, io.Reader:
			r.header.Set("Content-Type", ContentTypeBinary)
		default:
			r.header.Set("Content-Type", ContentTypeJSON)
		}
	}

	r.body = body
	r.state = Sent
	return nil
}

// State returns the current lifecycle state
func (r *Reply) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Sent reports whether Send has been called
func (r *Reply) Sent() bool {
	return r.State() == Sent
}

// StatusCode returns the current status code
func (r *Reply) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCode
}

// Size returns the length of the encoded body. It is false until the
// outgoing response has been built.
func (r *Reply) Size() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size, r.size >= 0
}

// GetHeader returns a header value
func (r *Reply) GetHeader(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Get(name)
}

// HeaderMap returns a copy of the response headers
func (r *Reply) HeaderMap() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Clone()
}

// Body returns the value passed to Send
func (r *Reply) Body() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// NeedsSerialization reports whether the sent body is a structured value
// that must be encoded before it goes on the wire.
func (r *Reply) NeedsSerialization() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.body.(type) {
	case nil, string, []byte, io.Reader:
		return false
	default:
		return true
	}
}

// Decorate attaches a named decoration. resolve runs on every read.
func (r *Reply) Decorate(name string, resolve func() interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decorations[name] = resolve
}

// Decoration reads a decoration by name
func (r *Reply) Decoration(name string) (interface{}, bool) {
	r.mu.Lock()
	resolve, ok := r.decorations[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return resolve(), true
}

// Call invokes a function decoration bound to this reply
func (r *Reply) Call(name string, args ...interface{}) (interface{}, error) {
	value, ok := r.Decoration(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDecoration, name)
	}
	fn, ok := value.(func(...interface{}) interface{})
	if !ok {
		return nil, fmt.Errorf("reply decoration %s is not callable", name)
	}
	return fn(args...), nil
}

// Outgoing is the abstract response handed to the transport
type Outgoing struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Build assembles the outgoing response from a sent reply and its
// encoded payload.
func (r *Reply) Build(payload []byte) (*Outgoing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Sent {
		return nil, fmt.Errorf("cannot build a %s reply", r.state)
	}

	header := r.header.Clone()
	for _, cookie := range r.cookies {
		header.Add("Set-Cookie", cookie.String())
	}
	header.Set("Content-Length", strconv.Itoa(len(payload)))
	r.size = len(payload)

	return &Outgoing{
		StatusCode: r.statusCode,
		Header:     header,
		Body:       payload,
	}, nil
}
