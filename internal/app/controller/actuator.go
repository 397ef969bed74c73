package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogActuator stands in for the feeder valve: it logs and holds for the
// requested duration.
type LogActuator struct {
	logger zerolog.Logger
}

func NewLogActuator() *LogActuator {
	return &LogActuator{logger: log.With().Str("module", "actuator").Logger()}
}

func (a *LogActuator) Feed(ctx context.Context, seconds float64) error {
	a.logger.Info().Float64("seconds", seconds).Msg("feeder valve open")
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		a.logger.Info().Msg("feeder valve closed")
		return nil
	case <-ctx.Done():
		a.logger.Warn().Msg("feeder valve closed early")
		return ctx.Err()
	}
}
