package request

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/relay/internal/web/response"
)

func newBodyRequest(t *testing.T, contentType, body string) *Request {
	t.Helper()
	header := make(http.Header)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	req, err := FromIncoming(&Incoming{
		Method:        "POST",
		URL:           "/upload",
		Header:        header,
		Body:          strings.NewReader(body),
		ContentLength: int64(len(body)),
	})
	require.NoError(t, err)
	return req
}

// failingReader fails the test if the body is read at all
type failingReader struct{ t *testing.T }

func (f failingReader) Read([]byte) (int, error) {
	f.t.Fatal("body must not be read")
	return 0, io.EOF
}

func requireStatus(t *testing.T, err error, status int) *response.HTTPError {
	t.Helper()
	require.Error(t, err)
	var httpErr *response.HTTPError
	require.True(t, errors.As(err, &httpErr), "expected HTTPError, got %T", err)
	assert.Equal(t, status, httpErr.StatusCode)
	return httpErr
}

func TestRegistry_JSONIgnoresCaseAndParameters(t *testing.T) {
	registry := NewRegistry()
	req := newBodyRequest(t, "Application/JSON; charset=utf-8", `{"name":"relay","tags":["a","b"]}`)

	body, err := registry.Parse(req)
	require.NoError(t, err)

	m, ok := body.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "relay", m["name"])
	assert.Equal(t, []interface{}{"a", "b"}, m["tags"])
}

func TestRegistry_NoContentType(t *testing.T) {
	registry := NewRegistry()
	req := newBodyRequest(t, "", "ignored")

	body, err := registry.Parse(req)
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestRegistry_DeclaredLengthOverLimit(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.SetBodyLimit(10))

	header := http.Header{"Content-Type": []string{"application/json"}}
	req, err := FromIncoming(&Incoming{
		Method:        "POST",
		URL:           "/",
		Header:        header,
		Body:          failingReader{t},
		ContentLength: 11,
	})
	require.NoError(t, err)

	_, err = registry.Parse(req)
	httpErr := requireStatus(t, err, http.StatusRequestEntityTooLarge)
	assert.Equal(t, "payload_too_large", httpErr.Code)
}

func TestRegistry_MeasuredLengthOverLimit(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.SetBodyLimit(8))

	req, err := FromIncoming(&Incoming{
		Method:        "POST",
		URL:           "/",
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          strings.NewReader("more than eight bytes"),
		ContentLength: -1,
	})
	require.NoError(t, err)

	_, err = registry.Parse(req)
	requireStatus(t, err, http.StatusRequestEntityTooLarge)
}

func TestRegistry_LimitAppliesWithoutContentType(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.SetBodyLimit(16))

	req := newBodyRequest(t, "", strings.Repeat("x", 4096))
	_, err := registry.Parse(req)
	requireStatus(t, err, http.StatusRequestEntityTooLarge)

	req, err = FromIncoming(&Incoming{
		Method:        "POST",
		URL:           "/",
		Header:        http.Header{},
		Body:          strings.NewReader(strings.Repeat("x", 17)),
		ContentLength: -1,
	})
	require.NoError(t, err)
	_, err = registry.Parse(req)
	requireStatus(t, err, http.StatusRequestEntityTooLarge)
}

func TestRegistry_PerCallLimitOverridesDefault(t *testing.T) {
	registry := NewRegistry()
	req := newBodyRequest(t, "text/plain", "twelve bytes")

	_, err := registry.ParseWithLimit(req, 4)
	requireStatus(t, err, http.StatusRequestEntityTooLarge)
}

func TestRegistry_ContentLengthMismatch(t *testing.T) {
	registry := NewRegistry()
	req, err := FromIncoming(&Incoming{
		Method:        "POST",
		URL:           "/",
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          strings.NewReader("abc"),
		ContentLength: 5,
	})
	require.NoError(t, err)

	_, err = registry.Parse(req)
	httpErr := requireStatus(t, err, http.StatusBadRequest)
	assert.Equal(t, "invalid_content_length", httpErr.Code)
}

func TestRegistry_UnsupportedMediaType(t *testing.T) {
	registry := NewRegistry()
	req := newBodyRequest(t, "application/xml", "<a/>")

	_, err := registry.Parse(req)
	httpErr := requireStatus(t, err, http.StatusUnsupportedMediaType)
	assert.Contains(t, httpErr.Message, "application/xml")
}

func TestRegistry_JSONErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty body", "", "empty_json_body"},
		{"whitespace only", "   \n", "empty_json_body"},
		{"malformed", `{"a":`, "invalid_json"},
		{"multiple values", `{"a":1}{"b":2}`, "invalid_json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			req := newBodyRequest(t, "application/json", tt.body)

			_, err := registry.Parse(req)
			httpErr := requireStatus(t, err, http.StatusBadRequest)
			assert.Equal(t, tt.code, httpErr.Code)
		})
	}
}

func TestRegistry_FormTextAndBinary(t *testing.T) {
	registry := NewRegistry()

	form, err := registry.Parse(newBodyRequest(t, "application/x-www-form-urlencoded", "name=relay&tag=a&tag=b"))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"name": "relay",
		"tag":  []string{"a", "b"},
	}, form)

	text, err := registry.Parse(newBodyRequest(t, "text/plain; charset=utf-8", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	raw, err := registry.Parse(newBodyRequest(t, "application/octet-stream", "\x00\x01"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, raw)
}

func TestRegistry_CustomParserShadowsBuiltin(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Add("APPLICATION/JSON", func(_ *Request, body []byte) (interface{}, error) {
		return "custom:" + string(body), nil
	}))

	body, err := registry.Parse(newBodyRequest(t, "application/json", `{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `custom:{"a":1}`, body)

	err = registry.Add("application/json", func(*Request, []byte) (interface{}, error) { return nil, nil })
	assert.Error(t, err, "duplicate custom parsers are rejected")

	assert.True(t, registry.Remove("application/json"))
	assert.False(t, registry.Remove("application/json"))
	assert.True(t, registry.Has("application/json"), "built-in parser remains")

	body, err = registry.Parse(newBodyRequest(t, "application/json", `{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, body)
}

func TestRegistry_CustomMediaType(t *testing.T) {
	registry := NewRegistry()
	assert.False(t, registry.Has("application/csv"))

	require.NoError(t, registry.Add("application/csv", func(_ *Request, body []byte) (interface{}, error) {
		return strings.Split(string(body), ","), nil
	}))
	assert.True(t, registry.Has("Application/CSV; header=present"))

	body, err := registry.Parse(newBodyRequest(t, "application/csv", "a,b,c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, body)
}

func TestRegistry_AddValidation(t *testing.T) {
	registry := NewRegistry()
	assert.Error(t, registry.Add("text/csv", nil))
	assert.Error(t, registry.Add("", func(*Request, []byte) (interface{}, error) { return nil, nil }))
	assert.Error(t, registry.SetBodyLimit(0))
	assert.Equal(t, DefaultBodyLimit, registry.BodyLimit())
}

func TestRegistry_Multipart(t *testing.T) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("title", "report"))
	fw, err := writer.CreateFormFile("attachment", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("file contents"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	registry := NewRegistry()
	body, err := registry.Parse(newBodyRequest(t, writer.FormDataContentType(), buf.String()))
	require.NoError(t, err)

	form, ok := body.(*Form)
	require.True(t, ok)
	assert.Equal(t, "report", form.Fields["title"])

	file, ok := form.File("attachment")
	require.True(t, ok)
	assert.Equal(t, "report.txt", file.Filename)
	assert.Equal(t, "file contents", string(file.Data))
}

func TestRegistry_MultipartWithoutBoundary(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Parse(newBodyRequest(t, "multipart/form-data", "--x--"))
	requireStatus(t, err, http.StatusBadRequest)
}

func TestIsBodyMethod(t *testing.T) {
	assert.True(t, IsBodyMethod("post"))
	assert.True(t, IsBodyMethod("PATCH"))
	assert.False(t, IsBodyMethod("GET"))
	assert.False(t, IsBodyMethod("HEAD"))
}
