package cache

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/relay/internal/web/request"
)

func newRequest(t *testing.T, method, url string, header map[string]string) *request.Request {
	t.Helper()
	h := make(http.Header)
	for name, value := range header {
		h.Set(name, value)
	}
	req, err := request.FromIncoming(&request.Incoming{
		Method:        method,
		URL:           url,
		Header:        h,
		Body:          strings.NewReader(""),
		ContentLength: 0,
	})
	require.NoError(t, err)
	return req
}

func TestKeyGenerator_Stable(t *testing.T) {
	kg := DefaultKeyGenerator()

	a := kg.Key(newRequest(t, "GET", "/items?b=2&a=1", nil))
	b := kg.Key(newRequest(t, "GET", "/items?a=1&b=2", nil))
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "http:GET:"))
}

func TestKeyGenerator_Distinguishes(t *testing.T) {
	kg := DefaultKeyGenerator()
	base := kg.Key(newRequest(t, "GET", "/items?a=1", nil))

	assert.NotEqual(t, base, kg.Key(newRequest(t, "GET", "/items?a=2", nil)))
	assert.NotEqual(t, base, kg.Key(newRequest(t, "GET", "/other?a=1", nil)))
	assert.NotEqual(t, base, kg.Key(newRequest(t, "POST", "/items?a=1", nil)))
	assert.NotEqual(t, base, kg.Key(newRequest(t, "GET", "/items?a=1", map[string]string{"Accept": "text/html"})))
}

func TestKeyGenerator_HeadSharesGet(t *testing.T) {
	kg := DefaultKeyGenerator()
	assert.Equal(t,
		kg.Key(newRequest(t, "GET", "/items", nil)),
		kg.Key(newRequest(t, "HEAD", "/items", nil)),
	)
}

func TestKeyGenerator_IgnoreQuery(t *testing.T) {
	kg := &KeyGenerator{Prefix: "p:"}
	assert.Equal(t,
		kg.Key(newRequest(t, "GET", "/items?a=1", nil)),
		kg.Key(newRequest(t, "GET", "/items?a=2", nil)),
	)
}
