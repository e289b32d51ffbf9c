package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

// defaultStoreTimeout bounds a single store call when no timeout is configured.
const defaultStoreTimeout = 5 * time.Second

// withStoreTimeout runs fn under a derived deadline. A missed deadline surfaces as ErrStoreTimeout.
func withStoreTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	storeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(storeCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	return err
}

// mapStoreError translates persistence sentinels that carry the same meaning for every caller.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, persistence.ErrStaleState):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}
