package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

var (
	// ErrVersionMismatch is returned when the core version does not satisfy
	// a plugin's constraint
	ErrVersionMismatch = errors.New("plugin core version mismatch")
	// ErrUnmetDependency is returned when a dependency is not loaded yet
	ErrUnmetDependency = errors.New("plugin dependency not loaded")
	// ErrDuplicatePlugin is returned when a name is registered twice
	ErrDuplicatePlugin = errors.New("plugin already registered")
	// ErrCircularDependency is returned by ResolveOrder for dependency cycles
	ErrCircularDependency = errors.New("circular plugin dependency")
	// ErrMissingDependency is returned by ResolveOrder for undeclared dependencies
	ErrMissingDependency = errors.New("missing plugin dependency")
)

// State is the load state of a named plugin
type State int

const (
	// Unregistered means the plugin has not been seen
	Unregistered State = iota
	// Loading means the registration function is running
	Loading
	// Loaded means the registration function completed
	Loaded
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Meta describes a plugin. All fields are optional.
type Meta struct {
	// Name identifies the plugin for dependency checks
	Name string
	// Core is a version constraint on the running core ("1.2.0", ">=1.0.0",
	// "^1.2.0", "~1.2.0")
	Core string
	// Dependencies lists plugins that must be loaded first
	Dependencies []string
	// Shared loads the plugin into its parent's scope instead of a new child
	Shared bool
}

// Stats reports registry counts
type Stats struct {
	Total       int
	Loaded      int
	Loading     int
	LoadedNames []string
}

// Registry tracks plugin load states and validates metadata before a
// plugin runs.
type Registry struct {
	mu          sync.Mutex
	coreVersion *semver.Version
	states      map[string]State
	loadedOrder []string
	anonymous   int
	log         *zap.Logger
}

// NewRegistry creates a registry for the given core version
func NewRegistry(coreVersion string, logger *zap.Logger) (*Registry, error) {
	version, err := semver.NewVersion(coreVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid core version %q: %w", coreVersion, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		coreVersion: version,
		states:      make(map[string]State),
		log:         logger,
	}, nil
}

// CoreVersion returns the running core version
func (r *Registry) CoreVersion() string {
	return r.coreVersion.String()
}

// Register validates meta, marks the plugin loading, runs load and marks
// it loaded. On failure the plugin is left unregistered. load may register
// nested plugins.
func (r *Registry) Register(meta Meta, load func() error) error {
	if load == nil {
		return fmt.Errorf("plugin %s: registration function cannot be nil", displayName(meta.Name))
	}
	if err := r.checkCore(meta); err != nil {
		return err
	}

	key, err := r.begin(meta)
	if err != nil {
		return err
	}

	r.log.Debug("loading plugin", zap.String("plugin", key))

	if err := load(); err != nil {
		r.mu.Lock()
		delete(r.states, key)
		r.mu.Unlock()
		return fmt.Errorf("plugin %s failed to load: %w", displayName(meta.Name), err)
	}

	r.mu.Lock()
	r.states[key] = Loaded
	r.loadedOrder = append(r.loadedOrder, key)
	r.mu.Unlock()

	r.log.Debug("loaded plugin", zap.String("plugin", key))
	return nil
}

// checkCore validates the core version constraint
func (r *Registry) checkCore(meta Meta) error {
	if meta.Core == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(meta.Core)
	if err != nil {
		return fmt.Errorf("plugin %s: invalid core constraint %q: %w", displayName(meta.Name), meta.Core, err)
	}
	if !constraint.Check(r.coreVersion) {
		return fmt.Errorf("%w: plugin %s requires %q, running %s",
			ErrVersionMismatch, displayName(meta.Name), meta.Core, r.coreVersion)
	}
	return nil
}

// begin checks dependencies and marks the plugin loading
func (r *Registry) begin(meta Meta) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := meta.Name
	if key != "" {
		if state, exists := r.states[key]; exists {
			return "", fmt.Errorf("%w: %q is %s", ErrDuplicatePlugin, key, state)
		}
	}

	// A plugin is never loaded before its own load begins, so a
	// self-dependency is reported as unmet
	var unmet []string
	for _, dep := range meta.Dependencies {
		if r.states[dep] != Loaded {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		return "", fmt.Errorf("%w: plugin %s requires %s",
			ErrUnmetDependency, displayName(meta.Name), strings.Join(unmet, ", "))
	}

	if key == "" {
		r.anonymous++
		key = fmt.Sprintf("anonymous#%d", r.anonymous)
	}
	r.states[key] = Loading
	return key, nil
}

// State returns the load state of a named plugin
func (r *Registry) State(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

// IsLoaded reports whether a named plugin has loaded
func (r *Registry) IsLoaded(name string) bool {
	return r.State(name) == Loaded
}

// Stats returns the registry counts. Anonymous plugins are counted but not
// named.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		Total:       len(r.states),
		LoadedNames: make([]string, 0, len(r.loadedOrder)),
	}
	for _, state := range r.states {
		switch state {
		case Loaded:
			stats.Loaded++
		case Loading:
			stats.Loading++
		}
	}
	for _, key := range r.loadedOrder {
		if !strings.HasPrefix(key, "anonymous#") {
			stats.LoadedNames = append(stats.LoadedNames, key)
		}
	}
	return stats
}

func displayName(name string) string {
	if name == "" {
		return "<anonymous>"
	}
	return fmt.Sprintf("%q", name)
}

// Declaration is a plugin name with its declared dependencies
type Declaration struct {
	Name         string
	Dependencies []string
}

// ResolveOrder returns a load order in which every plugin follows all of
// its dependencies. Dependency cycles, including self-dependencies, and
// dependencies on undeclared names are rejected.
func ResolveOrder(declarations []Declaration) ([]string, error) {
	graph := make(map[string][]string, len(declarations))
	names := make([]string, 0, len(declarations))

	for _, decl := range declarations {
		if decl.Name == "" {
			return nil, fmt.Errorf("plugin declarations must be named")
		}
		if _, exists := graph[decl.Name]; exists {
			return nil, fmt.Errorf("%w: %q declared twice", ErrDuplicatePlugin, decl.Name)
		}
		graph[decl.Name] = decl.Dependencies
		names = append(names, decl.Name)
	}

	for _, name := range names {
		missing := make([]string, 0)
		for _, dep := range graph[name] {
			if _, ok := graph[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, fmt.Errorf("%w: %q depends on %s", ErrMissingDependency, name, strings.Join(missing, ", "))
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(names))
	order := make([]string, 0, len(names))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), name)
			return fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(cycle, " -> "))
		}

		marks[name] = visiting
		stack = append(stack, name)
		for _, dep := range graph[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
