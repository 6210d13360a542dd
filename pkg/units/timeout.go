package units

import (
	"context"
	"time"
)

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call to next by d so a slow conversion service
// cannot stall callers. A non-positive d returns next unchanged.
func WithTimeout(next Gateway, d time.Duration) Gateway {
	if next == nil || d <= 0 {
		return next
	}
	return &timeoutGateway{next: next, timeout: d}
}

func (g *timeoutGateway) Convert(ctx context.Context, req Request) (Conversion, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		conv Conversion
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conv, err := g.next.Convert(ctx, req)
		done <- result{conv: conv, err: err}
	}()

	select {
	case <-ctx.Done():
		return Conversion{}, ctx.Err()
	case res := <-done:
		return res.conv, res.err
	}
}
