package hooks

import (
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// Stage is a named point in the request lifecycle
type Stage int

const (
	// OnRequest runs right after routing, before the body is read
	OnRequest Stage = iota
	// PreParsing runs before content-type parsing and may replace the raw body
	PreParsing
	// PreValidation runs after parsing, before schema validation
	PreValidation
	// PreHandler runs after validation, before the route handler
	PreHandler
	// PreSerialization may transform a structured payload before encoding
	PreSerialization
	// OnSend may transform the encoded payload before it is written
	OnSend
	// OnResponse runs after the response has been handed to the transport
	OnResponse
	// OnError runs when a handler or hook fails
	OnError
	// OnTimeout runs when the request timer fires before a reply is sent
	OnTimeout
)

// Stages lists every stage in lifecycle order
var Stages = []Stage{
	OnRequest, PreParsing, PreValidation, PreHandler,
	PreSerialization, OnSend, OnResponse, OnError, OnTimeout,
}

// String returns the string representation of Stage
func (s Stage) String() string {
	switch s {
	case OnRequest:
		return "onRequest"
	case PreParsing:
		return "preParsing"
	case PreValidation:
		return "preValidation"
	case PreHandler:
		return "preHandler"
	case PreSerialization:
		return "preSerialization"
	case OnSend:
		return "onSend"
	case OnResponse:
		return "onResponse"
	case OnError:
		return "onError"
	case OnTimeout:
		return "onTimeout"
	default:
		return "unknown"
	}
}

// ParseStage converts a stage name to a Stage
func ParseStage(name string) (Stage, error) {
	for _, stage := range Stages {
		if stage.String() == name {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown hook stage: %q", name)
}

// RequestPhase reports whether sending a reply in this stage halts the
// rest of the request pipeline
func (s Stage) RequestPhase() bool {
	return s <= PreHandler
}

// Kind is the callback signature a stage accepts
type Kind int

const (
	// KindFunc is a plain request/reply callback
	KindFunc Kind = iota
	// KindPayload threads a payload through the chain
	KindPayload
	// KindError receives the triggering error
	KindError
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindPayload:
		return "payload"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Kind returns the callback signature the stage accepts
func (s Stage) Kind() Kind {
	switch s {
	case PreSerialization, OnSend:
		return KindPayload
	case OnError:
		return KindError
	default:
		return KindFunc
	}
}

// Func is a hook for request-phase stages, onResponse and onTimeout
type Func func(req *request.Request, reply *response.Reply) error

// PayloadFunc is a hook for preSerialization and onSend. The returned value
// replaces the payload for the next hook.
type PayloadFunc func(req *request.Request, reply *response.Reply, payload interface{}) (interface{}, error)

// ErrorFunc is an onError hook
type ErrorFunc func(req *request.Request, reply *response.Reply, err error) error

// Hook is one registered callback. Exactly one of the function fields is set.
type Hook struct {
	Name string

	fn        Func
	payloadFn PayloadFunc
	errorFn   ErrorFunc
}

// NewHook wraps a plain callback
func NewHook(fn Func) Hook {
	return Hook{fn: fn}
}

// NewPayloadHook wraps a payload-transforming callback
func NewPayloadHook(fn PayloadFunc) Hook {
	return Hook{payloadFn: fn}
}

// NewErrorHook wraps an onError callback
func NewErrorHook(fn ErrorFunc) Hook {
	return Hook{errorFn: fn}
}

// Named sets a name used in logs
func (h Hook) Named(name string) Hook {
	h.Name = name
	return h
}

// Kind returns the callback signature of the hook
func (h Hook) Kind() Kind {
	switch {
	case h.payloadFn != nil:
		return KindPayload
	case h.errorFn != nil:
		return KindError
	default:
		return KindFunc
	}
}

func (h Hook) valid() bool {
	return h.fn != nil || h.payloadFn != nil || h.errorFn != nil
}

// Validate checks that hook can be attached to stage
func Validate(stage Stage, hook Hook) error {
	if stage < OnRequest || stage > OnTimeout {
		return fmt.Errorf("unknown hook stage: %d", stage)
	}
	if !hook.valid() {
		return fmt.Errorf("%s hook cannot be nil", stage)
	}
	if hook.Kind() != stage.Kind() {
		return fmt.Errorf("%s hooks must be %s hooks, got %s", stage, stage.Kind(), hook.Kind())
	}
	return nil
}

// Manager holds the ordered hook lists of one scope
type Manager struct {
	mu    sync.RWMutex
	hooks map[Stage][]Hook
	log   *zap.Logger
}

// NewManager creates an empty hook manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		hooks: make(map[Stage][]Hook),
		log:   logger,
	}
}

// Add appends a hook to a stage
func (m *Manager) Add(stage Stage, hook Hook) error {
	if err := Validate(stage, hook); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[stage] = append(m.hooks[stage], hook)
	return nil
}

// Hooks returns a copy of a stage's hook list
func (m *Manager) Hooks(stage Stage) []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Hook(nil), m.hooks[stage]...)
}

// Len returns the number of hooks registered for a stage
func (m *Manager) Len(stage Stage) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks[stage])
}

// Stats returns hook counts keyed by stage name
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int, len(Stages))
	for _, stage := range Stages {
		stats[stage.String()] = len(m.hooks[stage])
	}
	return stats
}

// Clone returns an independent copy of the manager
func (m *Manager) Clone() *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clone := NewManager(m.log)
	for stage, list := range m.hooks {
		clone.hooks[stage] = append([]Hook(nil), list...)
	}
	return clone
}

// Inherit returns a new manager holding the parent's hooks followed by
// this manager's own, per stage. Neither input is modified.
func (m *Manager) Inherit(parent *Manager) *Manager {
	if parent == nil {
		return m.Clone()
	}

	merged := parent.Clone()
	merged.log = m.log

	m.mu.RLock()
	defer m.mu.RUnlock()
	for stage, list := range m.hooks {
		merged.hooks[stage] = append(merged.hooks[stage], list...)
	}
	return merged
}

// Run executes a stage's global hooks
func (m *Manager) Run(stage Stage, req *request.Request, reply *response.Reply) error {
	return m.RunWithRoute(stage, nil, req, reply)
}

// RunWithRoute executes routeHooks and then the stage's global hooks in
// order. Execution stops at the first error or as soon as the reply has
// been sent.
func (m *Manager) RunWithRoute(stage Stage, routeHooks []Hook, req *request.Request, reply *response.Reply) error {
	if stage.Kind() != KindFunc {
		return fmt.Errorf("%s hooks cannot be run without a payload", stage)
	}

	for _, hook := range m.chain(stage, routeHooks) {
		if err := hook.fn(req, reply); err != nil {
			return err
		}
		if reply.Sent() && stage.RequestPhase() {
			return nil
		}
	}
	return nil
}

// RunPayload threads payload through routeHooks and then the stage's global
// hooks, returning the final payload.
func (m *Manager) RunPayload(stage Stage, routeHooks []Hook, req *request.Request, reply *response.Reply, payload interface{}) (interface{}, error) {
	if stage.Kind() != KindPayload {
		return payload, fmt.Errorf("%s hooks do not take a payload", stage)
	}

	for _, hook := range m.chain(stage, routeHooks) {
		next, err := hook.payloadFn(req, reply, payload)
		if err != nil {
			return payload, err
		}
		payload = next
	}
	return payload, nil
}

// RunOnError executes the onError chain. Failures and panics inside the
// chain are logged and never propagated. The chain stops once a hook sends
// the reply.
func (m *Manager) RunOnError(routeHooks []Hook, req *request.Request, reply *response.Reply, cause error) {
	for _, hook := range m.chain(OnError, routeHooks) {
		m.guard(OnError, hook, req, func() error {
			return hook.errorFn(req, reply, cause)
		})
		if reply.Sent() {
			return
		}
	}
}

// RunOnTimeout executes the onTimeout chain with the same failure policy
// as RunOnError.
func (m *Manager) RunOnTimeout(routeHooks []Hook, req *request.Request, reply *response.Reply) {
	for _, hook := range m.chain(OnTimeout, routeHooks) {
		m.guard(OnTimeout, hook, req, func() error {
			return hook.fn(req, reply)
		})
		if reply.Sent() {
			return
		}
	}
}

// RunOnResponse executes the onResponse chain. It runs after the response
// is delivered, so failures are only logged.
func (m *Manager) RunOnResponse(routeHooks []Hook, req *request.Request, reply *response.Reply) {
	for _, hook := range m.chain(OnResponse, routeHooks) {
		m.guard(OnResponse, hook, req, func() error {
			return hook.fn(req, reply)
		})
	}
}

// guard runs fn, logging and swallowing its error or panic
func (m *Manager) guard(stage Stage, hook Hook, req *request.Request, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("hook panicked",
				zap.String("stage", stage.String()),
				zap.String("hook", hook.Name),
				zap.String("request_id", req.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if err := fn(); err != nil {
		m.log.Error("hook failed",
			zap.String("stage", stage.String()),
			zap.String("hook", hook.Name),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
}

// chain returns route hooks followed by the stage's global hooks
func (m *Manager) chain(stage Stage, routeHooks []Hook) []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	global := m.hooks[stage]
	if len(routeHooks) == 0 {
		return global
	}

	all := make([]Hook, 0, len(routeHooks)+len(global))
	all = append(all, routeHooks...)
	return append(all, global...)
}
