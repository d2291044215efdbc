// Package stage calls the external reasoning back ends that serve each
// pipeline role and classifies their failures.
package stage

import (
	"context"
)

// Request is the opaque input handed to a back end.
type Request struct {
	SystemContext string
	UserContext   string
	MaxTokens     int
	ExtraParams   map[string]any
}

// Response is what a back end returns for one call.
type Response struct {
	OK        bool
	Output    string
	Citations []string
	Error     string
	TokensIn  int
	TokensOut int
	Model     string
}

// Backend serves one or more roles.
type Backend interface {
	Call(ctx context.Context, role string, req Request) (Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, role string, req Request) (Response, error)

// Call implements Backend.
func (f BackendFunc) Call(ctx context.Context, role string, req Request) (Response, error) {
	return f(ctx, role, req)
}
