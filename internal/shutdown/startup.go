package shutdown

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// InterruptedRecoverer finalizes records left mid-flight by a previous process,
// for example a backup stuck in in_progress after a crash.
type InterruptedRecoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// StartupService runs recovery of interrupted operations on start.
type StartupService struct {
	recoverers map[string]InterruptedRecoverer
	logger     zerolog.Logger
}

// NewStartupService creates a startup service. Keys name the recoverer in logs.
func NewStartupService(recoverers map[string]InterruptedRecoverer, logger zerolog.Logger) *StartupService {
	return &StartupService{
		recoverers: recoverers,
		logger:     logger.With().Str("component", "startup_service").Logger(),
	}
}

// RecoverInterrupted runs every recoverer and returns the total number of
// records finalized. One recoverer failing does not stop the others.
func (s *StartupService) RecoverInterrupted(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for name, r := range s.recoverers {
		n, err := r.RecoverInterrupted(ctx)
		if err != nil {
			s.logger.Error().Err(err).Str("recoverer", name).Msg("failed to recover interrupted operations")
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			s.logger.Warn().Str("recoverer", name).Int("count", n).Msg("finalized interrupted operations")
		}
		total += n
	}
	return total, errors.Join(errs...)
}
