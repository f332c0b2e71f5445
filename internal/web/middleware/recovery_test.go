package middleware

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

func recoveryApp(t *testing.T, config RecoveryConfig) *app.App {
	t.Helper()
	a := newTestApp(t)
	require.NoError(t, Install(a.Scope, Recovery(config)))
	require.NoError(t, a.Get("/fail", func(*request.Request, *response.Reply) (interface{}, error) {
		return nil, errors.New("database unavailable")
	}))
	require.NoError(t, a.Get("/panic", func(*request.Request, *response.Reply) (interface{}, error) {
		panic("kaboom")
	}))
	require.NoError(t, a.Get("/teapot", func(*request.Request, *response.Reply) (interface{}, error) {
		return nil, response.NewHTTPError(http.StatusTeapot, "short and stout")
	}))
	return a
}

func TestRecovery_LogsServerErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := recoveryApp(t, RecoveryConfig{Logger: zap.New(core)})

	res, err := a.Inject(app.InjectOptions{URL: "/fail"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	entries := logs.FilterMessage("request failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "/fail", entries[0].ContextMap()["path"])
	assert.Contains(t, entries[0].ContextMap()["error"], "database unavailable")
}

func TestRecovery_LogsPanics(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := recoveryApp(t, RecoveryConfig{Logger: zap.New(core)})

	res, err := a.Inject(app.InjectOptions{URL: "/panic"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	entries := logs.FilterMessage("request failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "kaboom")
}

func TestRecovery_ClientErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := recoveryApp(t, RecoveryConfig{Logger: zap.New(core)})

	res, err := a.Inject(app.InjectOptions{URL: "/teapot"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, res.StatusCode)
	assert.Zero(t, logs.Len())

	core, logs = observer.New(zapcore.DebugLevel)
	a = recoveryApp(t, RecoveryConfig{Logger: zap.New(core), LogClientErrors: true})

	_, err = a.Inject(app.InjectOptions{URL: "/teapot"})
	require.NoError(t, err)

	entries := logs.FilterMessage("request rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusTeapot), entries[0].ContextMap()["status"])
}
