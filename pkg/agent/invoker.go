package agent

import (
	"context"
	"encoding/json"
)

// Result is the outcome of one agent invocation.
type Result struct {
	Response          string
	DisplayResponse   string
	Tokens            int
	TokensApproximate bool
	ToolCalls         int
	Raw               json.RawMessage
}

// Invoker is the opaque agent capability: one prompt plus a per-target
// context payload in, one result out. Implementations are expected to honor
// context cancellation.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, contextPayload any) (*Result, error)
}
