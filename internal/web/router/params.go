package router

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Params holds the path captures of a match. The catch-all is stored
// under "*".
type Params map[string]string

// Get returns a path parameter by name
func (p Params) Get(name string) string {
	return p[name]
}

// Wildcard returns the catch-all capture
func (p Params) Wildcard() string {
	return p["*"]
}

// UUID extracts a path parameter and converts it to UUID
func (p Params) UUID(name string) (uuid.UUID, error) {
	value := p[name]
	if value == "" {
		return uuid.Nil, fmt.Errorf("missing path parameter: %s", name)
	}

	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID for parameter %s: %w", name, err)
	}

	return id, nil
}

// Int extracts a path parameter and converts it to int
func (p Params) Int(name string) (int, error) {
	value := p[name]
	if value == "" {
		return 0, fmt.Errorf("missing path parameter: %s", name)
	}

	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for parameter %s: %w", name, err)
	}

	return i, nil
}

// Int64 extracts a path parameter and converts it to int64
func (p Params) Int64(name string) (int64, error) {
	value := p[name]
	if value == "" {
		return 0, fmt.Errorf("missing path parameter: %s", name)
	}

	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid int64 for parameter %s: %w", name, err)
	}

	return i, nil
}
