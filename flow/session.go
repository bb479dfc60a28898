package flow

import "context"

// Outcome is the terminal report of a flow.
type Outcome struct {
	Success bool
	Result  Result
}

// Session represents an ongoing authentication flow started with [Start].
type Session struct {
	// ID correlates the flow's logs and spans.
	ID string
	// Result receives exactly one value once the flow completes, is cancelled or times out. Reading
	// it does not affect Wait.
	Result <-chan Outcome
	// Cancel aborts the flow. It is safe to call more than once.
	Cancel func()

	done    chan struct{}
	outcome Outcome
}

// Start runs a flow on surface and returns a Session delivering its outcome. Activity signals are
// dropped; use a [Controller] directly to receive them.
func Start(ctx context.Context, surface Surface, req Request, opts Options) (*Session, error) {
	resultC := make(chan Outcome, 1)
	s := &Session{
		Result: resultC,
		done:   make(chan struct{}),
	}
	c := New(surface, DelegateFuncs{
		Authenticated: func(success bool, res Result) {
			s.outcome = Outcome{Success: success, Result: res}
			close(s.done)
			resultC <- s.outcome
		},
	}, opts)
	s.ID = c.ID()
	s.Cancel = c.Cancel
	if err := c.GetToken(ctx, req); err != nil {
		return nil, err
	}
	return s, nil
}

// Wait blocks until the session has its outcome or ctx is done. When ctx is done first the flow is
// cancelled and its cancellation outcome is returned. Wait may be called any number of times.
func (s *Session) Wait(ctx context.Context) Outcome {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Cancel()
		<-s.done
	}
	return s.outcome
}
