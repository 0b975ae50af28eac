package health

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/MrWong99/voicesafe/internal/resilience"
)

// BreakerStater is satisfied by [resilience.CircuitBreaker].
type BreakerStater interface {
	Snapshot() resilience.Snapshot
}

// Breaker fails while cb is open.
func Breaker(cb BreakerStater) func(context.Context) error {
	return func(context.Context) error {
		s := cb.Snapshot()
		if s.State == resilience.StateOpen {
			return fmt.Errorf("circuit %q open after %d consecutive failures", s.Name, s.ConsecutiveFailures)
		}
		return nil
	}
}

// Command runs path with args and fails when it cannot be started or exits
// non-zero. An empty path fails with "not installed".
func Command(path string, args ...string) func(context.Context) error {
	return func(ctx context.Context) error {
		if path == "" {
			return errors.New("not installed")
		}
		if err := exec.CommandContext(ctx, path, args...).Run(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	}
}

// All runs checks in order and returns the first failure.
func All(checks ...func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, c := range checks {
			if err := c(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
