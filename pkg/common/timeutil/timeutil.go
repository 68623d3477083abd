// Package timeutil provides a small abstraction over wall-clock access so
// components that reason about elapsed time can be tested deterministically.
package timeutil

import "time"

// Provider supplies the current time. Production code uses Default; tests
// substitute a fixed or stepped implementation.
type Provider interface {
	// Now returns the current time.
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realTimeProvider{} }
