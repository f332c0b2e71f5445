package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

type failingStore struct{ *MemoryStore }

func (failingStore) Get(context.Context, string) (*Session, error) {
	return nil, errors.New("store down")
}

func (failingStore) Set(context.Context, string, *Session, time.Duration) error {
	return errors.New("store down")
}

func newSessionApp(t *testing.T, config Config) *app.App {
	t.Helper()
	a, err := app.New(app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, middleware.Install(a.Scope, Plugin(config)))

	require.NoError(t, a.Get("/visits", func(req *request.Request, _ *response.Reply) (interface{}, error) {
		sess, _ := FromRequest(req)
		visits, _ := sess.Get("visits")
		count, _ := visits.(float64)
		sess.Set("visits", count+1)
		return map[string]interface{}{"visits": count + 1}, nil
	}))
	require.NoError(t, a.Get("/peek", func(req *request.Request, _ *response.Reply) (interface{}, error) {
		sess, _ := FromRequest(req)
		return map[string]interface{}{"id": sess.ID, "user": sess.UserID}, nil
	}))
	require.NoError(t, a.Post("/login", func(req *request.Request, reply *response.Reply) (interface{}, error) {
		if err := Regenerate(req, reply); err != nil {
			return nil, err
		}
		sess, _ := FromRequest(req)
		sess.SetUser("alice")
		return map[string]string{"status": "ok"}, nil
	}))
	require.NoError(t, a.Post("/logout", func(req *request.Request, reply *response.Reply) (interface{}, error) {
		return map[string]string{"status": "bye"}, Destroy(req, reply)
	}))
	require.NoError(t, a.Get("/csrf", func(req *request.Request, _ *response.Reply) (interface{}, error) {
		token, err := CSRFToken(req)
		return map[string]string{"token": token}, err
	}))
	require.NoError(t, a.Post("/transfer", func(*request.Request, *response.Reply) (interface{}, error) {
		return map[string]string{"status": "sent"}, nil
	}))
	return a
}

func testConfig(store Store) Config {
	config := DefaultConfig(store)
	config.Secure = false
	return config
}

// sessionCookie returns the last Set-Cookie for the session cookie
func sessionCookie(t *testing.T, res *app.InjectResponse) *http.Cookie {
	t.Helper()
	var found *http.Cookie
	for _, c := range (&http.Response{Header: res.Headers}).Cookies() {
		if c.Name == "relay_session" {
			found = c
		}
	}
	return found
}

func inject(t *testing.T, a *app.App, method, url string, cookie *http.Cookie, headers map[string]string) *app.InjectResponse {
	t.Helper()
	if headers == nil {
		headers = map[string]string{}
	}
	if cookie != nil {
		headers["Cookie"] = cookie.Name + "=" + cookie.Value
	}
	res, err := a.Inject(app.InjectOptions{Method: method, URL: url, Headers: headers})
	require.NoError(t, err)
	return res
}

func TestPlugin_PersistsModifiedSessions(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	a := newSessionApp(t, testConfig(store))

	res := inject(t, a, http.MethodGet, "/visits", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	cookie := sessionCookie(t, res)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), cookie.MaxAge)
	assert.JSONEq(t, `{"visits":1}`, res.String())

	res = inject(t, a, http.MethodGet, "/visits", cookie, nil)
	assert.JSONEq(t, `{"visits":2}`, res.String())
	assert.Nil(t, sessionCookie(t, res), "known sessions keep their cookie")
	assert.Equal(t, 1, store.Count())
}

func TestPlugin_UnmodifiedSessionsAreNotStored(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	a := newSessionApp(t, testConfig(store))

	res := inject(t, a, http.MethodGet, "/peek", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotNil(t, sessionCookie(t, res))
	assert.Equal(t, 0, store.Count())
}

func TestPlugin_UnknownCookieStartsFresh(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	a := newSessionApp(t, testConfig(store))

	stale := &http.Cookie{Name: "relay_session", Value: "forged"}
	res := inject(t, a, http.MethodGet, "/visits", stale, nil)
	assert.JSONEq(t, `{"visits":1}`, res.String())
	cookie := sessionCookie(t, res)
	require.NotNil(t, cookie)
	assert.NotEqual(t, "forged", cookie.Value)
}

func TestPlugin_RegenerateAndDestroy(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	a := newSessionApp(t, testConfig(store))

	res := inject(t, a, http.MethodGet, "/visits", nil, nil)
	anonymous := sessionCookie(t, res)

	res = inject(t, a, http.MethodPost, "/login", anonymous, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	authenticated := sessionCookie(t, res)
	require.NotNil(t, authenticated)
	assert.NotEqual(t, anonymous.Value, authenticated.Value)

	_, err := store.Get(context.Background(), anonymous.Value)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	res = inject(t, a, http.MethodGet, "/visits", authenticated, nil)
	assert.JSONEq(t, `{"visits":2}`, res.String(), "data survives regeneration")
	res = inject(t, a, http.MethodGet, "/peek", authenticated, nil)
	assert.Contains(t, res.String(), `"user":"alice"`)

	res = inject(t, a, http.MethodPost, "/logout", authenticated, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	expired := sessionCookie(t, res)
	require.NotNil(t, expired)
	assert.Less(t, expired.MaxAge, 0)
	assert.Equal(t, 0, store.Count())
}

func TestPlugin_StoreFailures(t *testing.T) {
	store := failingStore{NewMemoryStore(0)}
	defer store.Close()
	a := newSessionApp(t, testConfig(store))

	res := inject(t, a, http.MethodGet, "/visits", &http.Cookie{Name: "relay_session", Value: "abc"}, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"visits":1}`, res.String())
}

func TestPlugin_Rolling(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	now := time.Now()
	store.now = func() time.Time { return now }

	config := testConfig(store)
	config.TTL = time.Minute
	config.Rolling = true
	a := newSessionApp(t, config)

	cookie := sessionCookie(t, inject(t, a, http.MethodGet, "/visits", nil, nil))
	now = now.Add(50 * time.Second)
	inject(t, a, http.MethodGet, "/peek", cookie, nil)
	now = now.Add(50 * time.Second)

	res := inject(t, a, http.MethodGet, "/visits", cookie, nil)
	assert.JSONEq(t, `{"visits":2}`, res.String())
}

func TestPlugin_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{"no store", Config{CookieName: "s", TTL: time.Hour}, "requires a store"},
		{"no cookie", Config{Store: NewMemoryStore(0), TTL: time.Hour}, "cookie name"},
		{"no ttl", Config{Store: NewMemoryStore(0), CookieName: "s"}, "ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := app.New()
			require.NoError(t, err)
			err = middleware.Install(a.Scope, Plugin(tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHelpersWithoutPlugin(t *testing.T) {
	req := &request.Request{Header: http.Header{}}
	reply := response.New()

	_, ok := FromRequest(req)
	assert.False(t, ok)
	assert.ErrorIs(t, Regenerate(req, reply), ErrNoSession)
	assert.ErrorIs(t, Destroy(req, reply), ErrNoSession)
	_, err := CSRFToken(req)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCookieValue(t *testing.T) {
	header := http.Header{}
	header.Add("Cookie", "theme=dark; relay_session=abc")
	assert.Equal(t, "abc", cookieValue(header, "relay_session"))
	assert.Equal(t, "", cookieValue(header, "other"))
	assert.True(t, HasCookie("relay_session")(&request.Request{Header: header}))
	assert.False(t, HasCookie("relay_session")(&request.Request{Header: http.Header{}}))
}

func TestPlugin_CSRF(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	config := testConfig(store)
	config.CSRF = DefaultCSRFConfig()
	a := newSessionApp(t, config)

	res := inject(t, a, http.MethodGet, "/csrf", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	cookie := sessionCookie(t, res)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, res.JSON(&body))
	require.NotEmpty(t, body.Token)

	res = inject(t, a, http.MethodPost, "/transfer", cookie, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, res.String(), "csrf_token_missing")

	res = inject(t, a, http.MethodPost, "/transfer", cookie, map[string]string{"X-CSRF-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, res.String(), "csrf_token_invalid")

	res = inject(t, a, http.MethodPost, "/transfer", cookie, map[string]string{"X-CSRF-Token": body.Token})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	form := url.Values{"csrf_token": {body.Token}}.Encode()
	res, err := a.Inject(app.InjectOptions{
		Method: http.MethodPost,
		URL:    "/transfer",
		Body:   form,
		Headers: map[string]string{
			"Cookie":       cookie.Name + "=" + cookie.Value,
			"Content-Type": "application/x-www-form-urlencoded",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = inject(t, a, http.MethodPost, "/transfer", nil, map[string]string{"X-CSRF-Token": body.Token})
	assert.Equal(t, http.StatusForbidden, res.StatusCode, "a new session has no token")
}
