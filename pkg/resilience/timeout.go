package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// WithTimeout runs fn under a derived deadline. fn is expected to honour ctx;
// an expired deadline is reported as apperrors.ErrTimeout so transports can
// map it to 503. A zero timeout runs fn unbounded.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(tctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s exceeded %v", apperrors.ErrTimeout, name, timeout)
	}
	return err
}
