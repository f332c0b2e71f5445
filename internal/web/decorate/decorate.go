package decorate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

var (
	// ErrReservedName is returned for names that may never be decorated
	ErrReservedName = errors.New("decorator name is reserved")
	// ErrAlreadyDecorated is returned when the name exists in this scope or an ancestor
	ErrAlreadyDecorated = errors.New("decorator already present")
	// ErrMissingDependency is returned when a declared dependency is not resolvable
	ErrMissingDependency = errors.New("decorator dependency missing")
	// ErrDecorateAfterStart is returned once the manager has been sealed
	ErrDecorateAfterStart = errors.New("decorators cannot be added after start")
)

// Namespace selects which object a decorator is attached to
type Namespace int

const (
	// Server decorators live on the application scope
	Server Namespace = iota
	// Request decorators are materialized onto every request
	Request
	// Reply decorators are materialized onto every reply
	Reply
)

// String returns the string representation of Namespace
func (n Namespace) String() string {
	switch n {
	case Server:
		return "server"
	case Request:
		return "request"
	case Reply:
		return "reply"
	default:
		return "unknown"
	}
}

// Computed marks a value that is re-evaluated on every read
type Computed func() interface{}

// RequestMethod is a request decorator bound to the request it is read from
type RequestMethod func(req *request.Request, args ...interface{}) interface{}

// ReplyMethod is a reply decorator bound to the reply it is read from.
// Returning the reply enables chained calls.
type ReplyMethod func(reply *response.Reply, args ...interface{}) interface{}

// reservedNames are rejected in every namespace
var reservedNames = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// coreNames are the built-in members of each decorated object
var coreNames = map[Namespace]map[string]bool{
	Server: {
		"log": true, "register": true, "route": true, "addHook": true,
		"decorate": true, "ready": true, "inject": true, "close": true,
	},
	Request: {
		"id": true, "method": true, "url": true, "path": true, "query": true,
		"headers": true, "params": true, "body": true, "log": true,
	},
	Reply: {
		"status": true, "code": true, "header": true, "headers": true,
		"type": true, "send": true, "redirect": true, "sent": true, "statusCode": true,
	},
}

// entry is one declared decorator
type entry struct {
	name  string
	value interface{}
}

// Counts holds a number of decorators per namespace
type Counts struct {
	Server  int
	Request int
	Reply   int
}

// Stats reports own and inherited decorator counts
type Stats struct {
	Own       Counts
	Inherited Counts
}

// Manager holds the decorators declared in one scope. Lookups fall
// through to the parent; declarations are invisible to the parent and to
// siblings. A name appears at most once along any root-to-leaf path.
type Manager struct {
	// mu is shared by every manager of the tree
	mu       *sync.RWMutex
	parent   *Manager
	children []*Manager
	sealed   bool
	entries  map[Namespace][]entry
	index    map[Namespace]map[string]int
}

// NewManager creates a root manager
func NewManager() *Manager {
	return newManager(nil)
}

func newManager(parent *Manager) *Manager {
	m := &Manager{
		parent: parent,
		entries: map[Namespace][]entry{
			Server: nil, Request: nil, Reply: nil,
		},
		index: map[Namespace]map[string]int{
			Server:  {},
			Request: {},
			Reply:   {},
		},
	}
	if parent == nil {
		m.mu = &sync.RWMutex{}
		return m
	}
	m.mu = parent.mu
	parent.mu.Lock()
	parent.children = append(parent.children, m)
	parent.mu.Unlock()
	return m
}

// CreateChild returns a manager whose lookups fall through to m
func (m *Manager) CreateChild() *Manager {
	return newManager(m)
}

// Parent returns the parent manager, nil for the root
func (m *Manager) Parent() *Manager {
	return m.parent
}

// DecorateServer declares a server decorator. Every dependency must
// already be resolvable from this scope.
func (m *Manager) DecorateServer(name string, value interface{}, dependencies ...string) error {
	return m.Decorate(Server, name, value, dependencies...)
}

// DecorateRequest declares a request decorator
func (m *Manager) DecorateRequest(name string, value interface{}, dependencies ...string) error {
	return m.Decorate(Request, name, value, dependencies...)
}

// DecorateReply declares a reply decorator
func (m *Manager) DecorateReply(name string, value interface{}, dependencies ...string) error {
	return m.Decorate(Reply, name, value, dependencies...)
}

// Decorate declares a decorator in a namespace. All checks run before the
// manager is modified.
func (m *Manager) Decorate(ns Namespace, name string, value interface{}, dependencies ...string) error {
	if _, ok := coreNames[ns]; !ok {
		return fmt.Errorf("unknown decorator namespace: %d", ns)
	}
	if name == "" {
		return fmt.Errorf("%s decorator name cannot be empty", ns)
	}
	if reservedNames[name] || coreNames[ns][name] {
		return fmt.Errorf("%w: %s decorator %q", ErrReservedName, ns, name)
	}
	if err := checkValue(ns, name, value); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return fmt.Errorf("%w: %s decorator %q", ErrDecorateAfterStart, ns, name)
	}
	if m.hasLocked(ns, name) {
		return fmt.Errorf("%w: %s decorator %q", ErrAlreadyDecorated, ns, name)
	}
	if m.descendantHasLocked(ns, name) {
		return fmt.Errorf("%w: %s decorator %q is declared by a child scope", ErrAlreadyDecorated, ns, name)
	}
	for _, dep := range dependencies {
		if !m.hasLocked(ns, dep) {
			return fmt.Errorf("%w: %s decorator %q requires %q", ErrMissingDependency, ns, name, dep)
		}
	}

	m.index[ns][name] = len(m.entries[ns])
	m.entries[ns] = append(m.entries[ns], entry{name: name, value: value})
	return nil
}

// checkValue rejects method types declared in the wrong namespace
func checkValue(ns Namespace, name string, value interface{}) error {
	switch value.(type) {
	case RequestMethod:
		if ns != Request {
			return fmt.Errorf("%s decorator %q: request methods belong on requests", ns, name)
		}
	case ReplyMethod:
		if ns != Reply {
			return fmt.Errorf("%s decorator %q: reply methods belong on replies", ns, name)
		}
	}
	return nil
}

// hasLocked checks self and ancestors. The caller holds m.mu.
func (m *Manager) hasLocked(ns Namespace, name string) bool {
	for scope := m; scope != nil; scope = scope.parent {
		if _, ok := scope.index[ns][name]; ok {
			return true
		}
	}
	return false
}

// descendantHasLocked checks every scope below m. The caller holds m.mu.
func (m *Manager) descendantHasLocked(ns Namespace, name string) bool {
	for _, child := range m.children {
		if _, ok := child.index[ns][name]; ok {
			return true
		}
		if child.descendantHasLocked(ns, name) {
			return true
		}
	}
	return false
}

// Has reports whether name is declared in this scope or an ancestor
func (m *Manager) Has(ns Namespace, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLocked(ns, name)
}

// HasOwn reports whether name is declared in this scope itself
func (m *Manager) HasOwn(ns Namespace, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.index[ns][name]
	return ok
}

// Get resolves a server decorator. Computed values are evaluated on
// every call.
func (m *Manager) Get(name string) (interface{}, bool) {
	for scope := m; scope != nil; scope = scope.parent {
		scope.mu.RLock()
		i, ok := scope.index[Server][name]
		var value interface{}
		if ok {
			value = scope.entries[Server][i].value
		}
		scope.mu.RUnlock()

		if ok {
			if computed, isComputed := value.(Computed); isComputed {
				return computed(), true
			}
			return value, true
		}
	}
	return nil, false
}

// Names returns the names declared in this scope, in declaration order
func (m *Manager) Names(ns Namespace) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.entries[ns]))
	for _, e := range m.entries[ns] {
		names = append(names, e.name)
	}
	return names
}

// ApplyRequest materializes every request decorator visible from this
// scope onto req, walking from the root to this scope.
func (m *Manager) ApplyRequest(req *request.Request) {
	for _, e := range m.lineage(Request) {
		switch value := e.value.(type) {
		case Computed:
			req.Decorate(e.name, value)
		case RequestMethod:
			req.Decorate(e.name, bindRequest(req, value))
		default:
			req.Decorate(e.name, fixed(value))
		}
	}
}

// ApplyReply materializes every reply decorator visible from this scope
// onto reply.
func (m *Manager) ApplyReply(reply *response.Reply) {
	for _, e := range m.lineage(Reply) {
		switch value := e.value.(type) {
		case Computed:
			reply.Decorate(e.name, value)
		case ReplyMethod:
			reply.Decorate(e.name, bindReply(reply, value))
		default:
			reply.Decorate(e.name, fixed(value))
		}
	}
}

func fixed(value interface{}) func() interface{} {
	return func() interface{} { return value }
}

func bindRequest(req *request.Request, method RequestMethod) func() interface{} {
	bound := func(args ...interface{}) interface{} {
		return method(req, args...)
	}
	return func() interface{} { return bound }
}

func bindReply(reply *response.Reply, method ReplyMethod) func() interface{} {
	bound := func(args ...interface{}) interface{} {
		return method(reply, args...)
	}
	return func() interface{} { return bound }
}

// lineage returns the entries of a namespace from the root down to m
func (m *Manager) lineage(ns Namespace) []entry {
	var chain []*Manager
	for scope := m; scope != nil; scope = scope.parent {
		chain = append(chain, scope)
	}

	var entries []entry
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		entries = append(entries, chain[i].entries[ns]...)
		chain[i].mu.RUnlock()
	}
	return entries
}

// Stats reports counts of own decorators and of those inherited from
// ancestors.
func (m *Manager) Stats() Stats {
	var stats Stats
	stats.Own = m.ownCounts()
	for scope := m.parent; scope != nil; scope = scope.parent {
		c := scope.ownCounts()
		stats.Inherited.Server += c.Server
		stats.Inherited.Request += c.Request
		stats.Inherited.Reply += c.Reply
	}
	return stats
}

func (m *Manager) ownCounts() Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Counts{
		Server:  len(m.entries[Server]),
		Request: len(m.entries[Request]),
		Reply:   len(m.entries[Reply]),
	}
}

// Seal rejects further declarations on this manager
func (m *Manager) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
}

// Sealed reports whether Seal has been called
func (m *Manager) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}
