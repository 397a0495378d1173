// Package mock provides a test double for [llm.Provider].
//
// Set the response fields before use; read the call records afterwards
// through [Provider.Calls].
//
//	p := &mock.Provider{Response: &llm.CompletionResponse{Content: "Solid start."}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/gtodrill/pkg/provider/llm"
)

// Call records a single invocation of Complete.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of [llm.Provider]. A nil Response with
// a nil Err yields (nil, nil).
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// Response is returned by Complete.
	Response *llm.CompletionResponse

	// Err, if non-nil, is returned by Complete instead of Response.
	Err error

	// Block, if non-nil, makes Complete wait until it is closed or the
	// context is cancelled. A cancelled context returns ctx.Err().
	Block chan struct{}
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns Response, Err.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Ctx: ctx, Req: req})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Response, nil
}

// Calls returns a copy of the recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
