package request

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/textproto"
	"strings"

	"github.com/conduit-lang/relay/internal/web/response"
)

// maxPartHeaderSize bounds the header block of a single part
const maxPartHeaderSize = 16 << 10

var (
	// ErrMultipartTruncated is returned when the body ends before the
	// closing boundary
	ErrMultipartTruncated = errors.New("multipart: unexpected end of body")
	// ErrMultipartMalformed is returned for bytes that violate the framing
	ErrMultipartMalformed = errors.New("multipart: malformed body")
)

type multipartState int

const (
	statePreamble multipartState = iota
	stateHeaders
	stateBody
	stateDelimiter
	stateEnd
)

// String returns the string representation of multipartState
func (s multipartState) String() string {
	switch s {
	case statePreamble:
		return "preamble"
	case stateHeaders:
		return "part-headers"
	case stateBody:
		return "part-body"
	case stateDelimiter:
		return "delimiter"
	case stateEnd:
		return "end"
	default:
		return "unknown"
	}
}

// part accumulates the current part while its body streams in
type part struct {
	name     string
	filename string
	mimeType string
	isFile   bool
	skip     bool
	data     bytes.Buffer
}

// MultipartParser decodes a multipart/form-data body incrementally. Bytes
// are fed through Write in chunks of any size; Close returns the form once
// the closing boundary has been seen.
type MultipartParser struct {
	dashBoundary []byte // "--" + boundary
	delimiter    []byte // "\r\n--" + boundary

	config    UploadConfig
	state     multipartState
	buf       []byte
	current   *part
	form      *Form
	fields    int // field parts seen, repeated names included
	totalSize int64
	err       error
}

// NewMultipartParser creates a parser for the given boundary
func NewMultipartParser(boundary string, config UploadConfig) (*MultipartParser, error) {
	if boundary == "" {
		return nil, fmt.Errorf("%w: missing boundary", ErrMultipartMalformed)
	}
	if len(boundary) > 70 {
		return nil, fmt.Errorf("%w: boundary longer than 70 bytes", ErrMultipartMalformed)
	}

	return &MultipartParser{
		dashBoundary: []byte("--" + boundary),
		delimiter:    []byte("\r\n--" + boundary),
		config:       config,
		state:        statePreamble,
		form: &Form{
			Fields: make(map[string]string),
			Files:  make([]File, 0),
		},
	}, nil
}

// Write feeds the next chunk of the body. It never retains chunk.
func (p *MultipartParser) Write(chunk []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.buf = append(p.buf, chunk...)
	if err := p.advance(); err != nil {
		p.err = err
		return 0, err
	}
	return len(chunk), nil
}

// Close finishes parsing and returns the decoded form
func (p *MultipartParser) Close() (*Form, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.state != stateEnd {
		p.err = fmt.Errorf("%w (in %s)", ErrMultipartTruncated, p.state)
		return nil, p.err
	}
	return p.form, nil
}

// advance runs the state machine until it needs more input
func (p *MultipartParser) advance() error {
	for {
		progressed, err := p.step()
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// step performs one transition. It reports false when more bytes are needed.
func (p *MultipartParser) step() (bool, error) {
	switch p.state {
	case statePreamble:
		return p.stepPreamble(), nil
	case stateDelimiter:
		return p.stepDelimiter()
	case stateHeaders:
		return p.stepHeaders()
	case stateBody:
		return p.stepBody()
	case stateEnd:
		// Epilogue is ignored
		p.buf = p.buf[:0]
		return false, nil
	default:
		return false, fmt.Errorf("%w: invalid state %d", ErrMultipartMalformed, p.state)
	}
}

func (p *MultipartParser) stepPreamble() bool {
	idx := bytes.Index(p.buf, p.dashBoundary)
	if idx < 0 {
		// Keep a tail long enough to hold a boundary split across chunks
		if keep := len(p.dashBoundary) - 1; len(p.buf) > keep {
			p.buf = append(p.buf[:0], p.buf[len(p.buf)-keep:]...)
		}
		return false
	}
	if idx > 0 && !bytes.HasSuffix(p.buf[:idx], []byte("\n")) {
		// Boundary text inside preamble content, not a boundary line
		p.buf = p.buf[idx+1:]
		return true
	}
	p.buf = p.buf[idx+len(p.dashBoundary):]
	p.state = stateDelimiter
	return true
}

// stepDelimiter decides what follows a boundary: another part or the end
func (p *MultipartParser) stepDelimiter() (bool, error) {
	// Transport padding is allowed between the boundary and the line break
	trimmed := bytes.TrimLeft(p.buf, " \t")
	if len(trimmed) < 2 {
		return false, nil
	}

	switch {
	case bytes.HasPrefix(trimmed, []byte("--")):
		p.buf = trimmed[2:]
		p.state = stateEnd
	case bytes.HasPrefix(trimmed, []byte("\r\n")):
		p.buf = trimmed[2:]
		p.state = stateHeaders
	default:
		return false, fmt.Errorf("%w: unexpected bytes after boundary", ErrMultipartMalformed)
	}
	return true, nil
}

func (p *MultipartParser) stepHeaders() (bool, error) {
	var block []byte
	switch {
	case bytes.HasPrefix(p.buf, []byte("\r\n")):
		p.buf = p.buf[2:]
	default:
		idx := bytes.Index(p.buf, []byte("\r\n\r\n"))
		if idx < 0 {
			if len(p.buf) > maxPartHeaderSize {
				return false, fmt.Errorf("%w: part headers too large", ErrMultipartMalformed)
			}
			return false, nil
		}
		block = p.buf[:idx]
		p.buf = p.buf[idx+4:]
	}

	current, err := p.newPart(block)
	if err != nil {
		return false, err
	}
	p.current = current
	p.state = stateBody
	return true, nil
}

func (p *MultipartParser) stepBody() (bool, error) {
	idx := bytes.Index(p.buf, p.delimiter)
	if idx < 0 {
		// Everything except a possible partial delimiter at the tail is data
		safe := len(p.buf) - (len(p.delimiter) - 1)
		if safe <= 0 {
			return false, nil
		}
		if err := p.appendData(p.buf[:safe]); err != nil {
			return false, err
		}
		p.buf = append(p.buf[:0], p.buf[safe:]...)
		return false, nil
	}

	if err := p.appendData(p.buf[:idx]); err != nil {
		return false, err
	}
	p.buf = p.buf[idx+len(p.delimiter):]
	if err := p.finishPart(); err != nil {
		return false, err
	}
	p.state = stateDelimiter
	return true, nil
}

// newPart parses a part header block
func (p *MultipartParser) newPart(block []byte) (*part, error) {
	header := make(textproto.MIMEHeader)
	if len(block) > 0 {
		for _, line := range strings.Split(string(block), "\r\n") {
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("%w: invalid part header %q", ErrMultipartMalformed, line)
			}
			header.Add(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)), strings.TrimSpace(value))
		}
	}

	current := &part{}
	disposition, params, err := mime.ParseMediaType(header.Get("Content-Disposition"))
	if err != nil || disposition != "form-data" || params["name"] == "" {
		// Parts without a usable name are read and discarded
		current.skip = true
		return current, nil
	}

	current.name = params["name"]
	current.filename, current.isFile = params["filename"]
	current.mimeType = header.Get("Content-Type")

	if current.isFile {
		if p.config.MaxFiles > 0 && len(p.form.Files) >= p.config.MaxFiles {
			return nil, response.PayloadTooLarge(int64(p.config.MaxFiles)).
				WithCode("too_many_files")
		}
		if current.mimeType == "" {
			current.mimeType = "application/octet-stream"
		}
	} else {
		if p.config.MaxFields > 0 && p.fields >= p.config.MaxFields {
			return nil, response.PayloadTooLarge(int64(p.config.MaxFields)).
				WithCode("too_many_fields")
		}
		p.fields++
	}

	return current, nil
}

func (p *MultipartParser) appendData(data []byte) error {
	if len(data) == 0 || p.current == nil || p.current.skip {
		return nil
	}

	size := int64(p.current.data.Len() + len(data))
	if p.current.isFile {
		if err := p.config.checkFileSize(size); err != nil {
			return err
		}
	} else if err := p.config.checkFieldSize(size); err != nil {
		return err
	}

	p.current.data.Write(data)
	return nil
}

func (p *MultipartParser) finishPart() error {
	current := p.current
	p.current = nil
	if current == nil || current.skip {
		return nil
	}

	if !current.isFile {
		p.form.Fields[current.name] = current.data.String()
		return nil
	}

	file := File{
		FieldName: current.name,
		Filename:  current.filename,
		MimeType:  current.mimeType,
		Data:      bytes.Clone(current.data.Bytes()),
	}
	p.totalSize += file.Size()
	if err := p.config.validateFile(file, p.totalSize); err != nil {
		return err
	}
	p.form.Files = append(p.form.Files, file)
	return nil
}
