package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
	"github.com/conduit-lang/relay/internal/web/serializer"
)

// ErrNoReply is reported when a request finishes without a reply
var ErrNoReply = errors.New("request finished without a reply")

// Deliver hands a finished response to the transport
type Deliver func(out *response.Outgoing)

// Dispatch drives one request through routing, hooks, parsing, validation,
// the handler and serialization, then hands the response to deliver and
// runs the onResponse hooks.
func (a *App) Dispatch(in *request.Incoming, deliver Deliver) {
	if err := a.Ready(); err != nil {
		a.log.Error("dispatch before successful startup", zap.Error(err))
		deliver(errorOutgoing(response.Internal(err)))
		return
	}

	req, err := request.FromIncoming(in)
	if err != nil {
		deliver(errorOutgoing(response.BadRequest(err.Error()).WithCause(err)))
		return
	}
	req.ID = a.genReqID(req)
	req.SetLogger(a.log.With(zap.String("request_id", req.ID)))

	x := a.newExchange(req)
	x.serve()

	deliver(x.out)
	x.hooks.RunOnResponse(x.route.routeHooks(hooks.OnResponse), x.req, x.reply)
}

// exchange is the state of one request moving through the pipeline
type exchange struct {
	app   *App
	route *route
	scope *node
	hooks *hooks.Manager
	req   *request.Request
	reply *response.Reply

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	out    *response.Outgoing
}

func (a *App) newExchange(req *request.Request) *exchange {
	x := &exchange{
		app:   a,
		scope: a.root,
		req:   req,
		reply: response.New(),
		done:  make(chan struct{}),
	}

	match, ok := a.find(req.Method, req.Path)
	if ok {
		x.route = match.Handler
		x.scope = x.route.scope
		req.Params = match.Params
		req.RoutePattern = match.Pattern
	}

	x.hooks = x.scope.effective
	x.scope.decorators.ApplyRequest(req)
	x.scope.decorators.ApplyReply(x.reply)
	return x
}

func (x *exchange) timeout() time.Duration {
	if x.route != nil && x.route.timeout > 0 {
		return x.route.timeout
	}
	return x.app.requestTimeout
}

// serve runs the pipeline, racing it against the request timeout when one
// is configured
func (x *exchange) serve() {
	timeout := x.timeout()
	if timeout <= 0 {
		x.run()
		return
	}

	ctx, cancel := context.WithCancel(x.req.Context())
	x.req.SetContext(ctx)
	x.cancel = cancel
	defer cancel()

	go x.run()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-x.done:
	case <-timer.C:
		x.expire(timeout)
	}
}

// expire runs the onTimeout hooks and sends a 408 unless a reply was
// already sent. The handler keeps running; its later sends fail.
func (x *exchange) expire(timeout time.Duration) {
	if x.reply.Sent() {
		<-x.done
		return
	}

	x.req.Log().Warn("request timed out",
		zap.String("method", x.req.Method),
		zap.String("url", x.req.URL),
		zap.Duration("timeout", timeout),
	)

	x.hooks.RunOnTimeout(x.route.routeHooks(hooks.OnTimeout), x.req, x.reply)
	if !x.reply.Sent() {
		httpErr := response.RequestTimeout()
		_ = x.reply.Code(httpErr.StatusCode)
		_ = x.reply.Send(httpErr.Body())
	}
	x.cancel()
	x.finish()
}

func (x *exchange) run() {
	defer x.finish()
	defer func() {
		if rec := recover(); rec != nil {
			x.req.Log().Error("handler panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			x.handleError(fmt.Errorf("panic: %v", rec))
		}
	}()

	if x.route == nil {
		x.runNotFound()
		return
	}
	x.runRoute()
}

func (x *exchange) runRoute() {
	if x.stage(hooks.OnRequest) || x.stage(hooks.PreParsing) {
		return
	}

	if request.IsBodyMethod(x.req.Method) {
		body, err := x.app.parsers.ParseWithLimit(x.req, x.route.bodyLimit)
		if err != nil {
			x.handleError(err)
			return
		}
		x.req.Body = body
	}

	if x.stage(hooks.PreValidation) {
		return
	}
	if err := x.validate(); err != nil {
		x.handleError(err)
		return
	}
	if x.stage(hooks.PreHandler) {
		return
	}

	payload, err := x.route.handler(x.req, x.reply)
	if err != nil {
		x.handleError(err)
		return
	}
	x.send(payload)
}

func (x *exchange) runNotFound() {
	if x.stage(hooks.OnRequest) {
		return
	}

	if x.app.notFound == nil {
		httpErr := response.NotFound(x.req.Method, x.req.Path)
		_ = x.reply.Code(httpErr.StatusCode)
		x.send(httpErr.Body())
		return
	}

	_ = x.reply.Code(http.StatusNotFound)
	payload, err := x.app.notFound(x.req, x.reply)
	if err != nil {
		x.handleError(err)
		return
	}
	x.send(payload)
}

// stage runs one request-phase stage and reports whether the pipeline
// must stop, either because a hook failed or because the reply was sent
func (x *exchange) stage(stage hooks.Stage) bool {
	err := x.hooks.RunWithRoute(stage, x.route.routeHooks(stage), x.req, x.reply)
	if err != nil {
		x.handleError(err)
		return true
	}
	return x.reply.Sent()
}

// validate checks params, body, querystring and headers against the
// route schemas, in that order
func (x *exchange) validate() error {
	schema := x.route.schema
	validator := x.app.validator

	if schema.Params != nil {
		value, err := validator.Validate(serializer.LocationParams, schema.Params, x.req.Params)
		if err != nil {
			return err
		}
		x.req.Validated[serializer.LocationParams] = value
	}
	if schema.Body != nil {
		value, err := validator.Validate(serializer.LocationBody, schema.Body, x.req.Body)
		if err != nil {
			return err
		}
		x.req.Body = value
	}
	if schema.Querystring != nil {
		value, err := validator.Validate(serializer.LocationQuery, schema.Querystring, request.QueryMap(x.req.Query))
		if err != nil {
			return err
		}
		x.req.Validated[serializer.LocationQuery] = value
	}
	if schema.Headers != nil {
		value, err := validator.Validate(serializer.LocationHeaders, schema.Headers, headerMap(x.req.Header))
		if err != nil {
			return err
		}
		x.req.Validated[serializer.LocationHeaders] = value
	}
	return nil
}

// send sends payload unless the reply was already sent
func (x *exchange) send(payload interface{}) {
	if x.reply.Sent() {
		if payload != nil {
			x.req.Log().Debug("ignoring returned payload, reply already sent")
		}
		return
	}
	if err := x.reply.Send(payload); err != nil {
		x.req.Log().Debug("reply was sent concurrently", zap.Error(err))
	}
}

// handleError runs the onError hooks, then the nearest error handler,
// then the default error reply
func (x *exchange) handleError(err error) {
	if x.reply.Sent() {
		x.req.Log().Debug("error after reply was sent", zap.Error(err))
		return
	}

	x.hooks.RunOnError(x.route.routeHooks(hooks.OnError), x.req, x.reply, err)
	if x.reply.Sent() {
		return
	}

	if handler := x.scope.findErrorHandler(); handler != nil {
		_ = x.reply.Code(response.StatusOf(err))
		payload, handlerErr := x.callErrorHandler(handler, err)
		if handlerErr == nil {
			x.send(payload)
			return
		}
		if x.reply.Sent() {
			x.req.Log().Error("error handler failed after sending", zap.Error(handlerErr))
			return
		}
		err = handlerErr
	}

	x.sendError(err)
}

func (x *exchange) callErrorHandler(handler ErrorHandler, cause error) (payload interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			x.req.Log().Error("error handler panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("error handler panicked: %v", rec)
		}
	}()
	return handler(cause, x.req, x.reply)
}

// sendError sends the default error body
func (x *exchange) sendError(err error) {
	httpErr := response.AsHTTPError(err)
	if httpErr.StatusCode >= http.StatusInternalServerError {
		x.req.Log().Error("request failed", zap.Error(err))
	} else {
		x.req.Log().Info("request rejected",
			zap.Int("status", httpErr.StatusCode),
			zap.String("code", httpErr.Code),
			zap.Error(err),
		)
	}

	_ = x.reply.Code(httpErr.StatusCode)
	x.send(httpErr.Body())
}

// finish renders the sent reply exactly once
func (x *exchange) finish() {
	x.once.Do(func() {
		defer close(x.done)
		x.out = x.render()
	})
}

// render serializes the reply body and runs the preSerialization and
// onSend hooks. Failures here cannot reach the error handlers because the
// reply is already sent, so they produce a plain 500.
func (x *exchange) render() (out *response.Outgoing) {
	defer func() {
		if rec := recover(); rec != nil {
			x.req.Log().Error("render panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			out = errorOutgoing(response.Internal(fmt.Errorf("panic: %v", rec)))
		}
	}()

	if !x.reply.Sent() {
		x.sendError(ErrNoReply)
	}

	payload, err := x.encode()
	if err != nil {
		x.req.Log().Error("failed to serialize reply", zap.Error(err))
		return errorOutgoing(response.Internal(err))
	}

	sent, err := x.hooks.RunPayload(hooks.OnSend, x.route.routeHooks(hooks.OnSend), x.req, x.reply, payload)
	if err != nil {
		x.req.Log().Error("onSend hook failed", zap.Error(err))
		return errorOutgoing(response.Internal(err))
	}
	body, err := toBytes(sent)
	if err != nil {
		x.req.Log().Error("onSend hook returned an invalid payload", zap.Error(err))
		return errorOutgoing(response.Internal(err))
	}

	out, err = x.reply.Build(body)
	if err != nil {
		return errorOutgoing(response.Internal(err))
	}
	if x.req.Method == http.MethodHead {
		out.Body = nil
	}
	return out
}

// encode turns the sent body into bytes. Structured bodies pass through
// the preSerialization hooks and the route's response schema.
func (x *exchange) encode() ([]byte, error) {
	body := x.reply.Body()
	if !x.reply.NeedsSerialization() {
		return toBytes(body)
	}

	payload, err := x.hooks.RunPayload(hooks.PreSerialization, x.route.routeHooks(hooks.PreSerialization), x.req, x.reply, body)
	if err != nil {
		return nil, err
	}
	switch payload.(type) {
	case nil, string, []byte, io.Reader:
		return toBytes(payload)
	}
	if encoder, ok := x.route.responseEncoder(x.reply.StatusCode()); ok {
		return encoder(payload)
	}
	return x.app.serializer.Serialize(payload, x.route.responseSchema(x.reply.StatusCode()))
}

// toBytes converts a raw body to bytes
func toBytes(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case io.Reader:
		if closer, ok := b.(io.Closer); ok {
			defer closer.Close()
		}
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("failed to read reply stream: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", body)
	}
}

// headerMap flattens headers for validation. Names are lower-cased and
// repeated values joined.
func headerMap(header http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(header))
	for name, values := range header {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

// errorOutgoing builds a JSON error response outside the pipeline
func errorOutgoing(httpErr *response.HTTPError) *response.Outgoing {
	body, err := json.Marshal(httpErr.Body())
	if err != nil {
		body = []byte(`{"error":"Internal Server Error","statusCode":500}`)
	}
	header := make(http.Header)
	header.Set("Content-Type", response.ContentTypeJSON)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &response.Outgoing{
		StatusCode: httpErr.StatusCode,
		Header:     header,
		Body:       body,
	}
}
