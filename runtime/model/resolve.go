package model

import "fmt"

// Resolver turns "something that can talk to a model" into a Backend.
type Resolver func(v any) (Backend, error)

// AsBackend returns v unchanged when it already implements Backend and
// ErrUnrecognizedBackend otherwise. It is the default Resolver; richer
// resolvers that understand provider SDK clients live alongside the adapters.
func AsBackend(v any) (Backend, error) {
	if b, ok := v.(Backend); ok && b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnrecognizedBackend, v)
}
