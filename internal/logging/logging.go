package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global console logger. When disabled, nothing is
// written at any level.
func Setup(enabled bool, level string) {
	SetupWriter(os.Stderr, enabled, level)
}

func SetupWriter(w io.Writer, enabled bool, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})

	if !enabled {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// PionFactory routes pion's internal logging into zerolog.
type PionFactory struct{}

func (PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{l: log.With().Str("module", "pion").Str("scope", scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p pionLogger) Trace(msg string) { p.l.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...any) {
	p.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (p pionLogger) Debug(msg string) { p.l.Debug().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...any) {
	p.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (p pionLogger) Info(msg string) { p.l.Info().Msg(msg) }
func (p pionLogger) Infof(format string, args ...any) {
	p.l.Info().Msg(fmt.Sprintf(format, args...))
}
func (p pionLogger) Warn(msg string) { p.l.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...any) {
	p.l.Warn().Msg(fmt.Sprintf(format, args...))
}
func (p pionLogger) Error(msg string) { p.l.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...any) {
	p.l.Error().Msg(fmt.Sprintf(format, args...))
}
