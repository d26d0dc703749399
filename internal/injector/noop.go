package injector

import "context"

// NoOp is the terminal sentinel adapter. It is always available, never
// errors, and performs no action. The strategy loop relies on it to
// terminate with a result; its outcome is reported as a distinct diagnostic,
// never as success.
type NoOp struct{}

// NewNoOp creates the sentinel adapter.
func NewNoOp() *NoOp { return &NoOp{} }

// Method implements Injector.
func (n *NoOp) Method() Method { return MethodNoOp }

// Available implements Injector.
func (n *NoOp) Available() bool { return true }

// Attempt implements Injector. It does nothing and reports local success.
func (n *NoOp) Attempt(ctx context.Context, text string, ictx *Context) error {
	return nil
}
