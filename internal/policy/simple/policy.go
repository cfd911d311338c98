// Package simple contains a permissive pacing policy.
package simple

import "context"

// Policy never delays a request; it only honors cancellation.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns immediately unless ctx is already done.
func (Policy) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
