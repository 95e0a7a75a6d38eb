package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/carverauto/fleetradar/pkg/models"
)

// ErrEmptyGroup is returned by WithFailover when there is nothing to try.
var ErrEmptyGroup = errors.New("failover group is empty")

// Attempt records one failed gateway in a failover run.
type Attempt struct {
	GatewayID string
	Err       error
}

// FailoverError lists every gateway tried and why it failed.
type FailoverError struct {
	Attempts []Attempt
}

func (e *FailoverError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrEmptyGroup.Error()
	}

	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.GatewayID, a.Err))
	}

	return fmt.Sprintf("all %d gateways failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes the per-gateway errors to errors.Is and errors.As.
func (e *FailoverError) Unwrap() []error {
	if len(e.Attempts) == 0 {
		return []error{ErrEmptyGroup}
	}

	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}

	return errs
}

// WithFailover tries op against each gateway of group in ascending priority
// (ties broken by ID) and returns the first success together with the ID of
// the gateway that served it. When every gateway fails the error is a
// *FailoverError.
func WithFailover[T any](
	ctx context.Context,
	group []models.GatewayDescriptor,
	op func(ctx context.Context, gw *models.GatewayDescriptor) (T, error),
) (T, string, error) {
	var zero T

	ordered := slices.Clone(group)
	slices.SortStableFunc(ordered, func(a, b models.GatewayDescriptor) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}

		return strings.Compare(a.ID, b.ID)
	})

	ferr := &FailoverError{}

	for i := range ordered {
		if err := ctx.Err(); err != nil {
			ferr.Attempts = append(ferr.Attempts, Attempt{GatewayID: ordered[i].ID, Err: err})

			return zero, "", ferr
		}

		res, err := op(ctx, &ordered[i])
		if err == nil {
			return res, ordered[i].ID, nil
		}

		ferr.Attempts = append(ferr.Attempts, Attempt{GatewayID: ordered[i].ID, Err: err})
	}

	return zero, "", ferr
}
