package media

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// zerologFactory routes pion's internal logging into the application logger.
type zerologFactory struct {
	log zerolog.Logger
}

func newLoggerFactory(log zerolog.Logger) logging.LoggerFactory {
	return &zerologFactory{log: log}
}

func (f *zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zerologLeveled{log: f.log.With().Str("pion", scope).Logger()}
}

type zerologLeveled struct {
	log zerolog.Logger
}

func (l *zerologLeveled) Trace(msg string) { l.log.Trace().Msg(msg) }

func (l *zerologLeveled) Tracef(format string, args ...any) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}

func (l *zerologLeveled) Debug(msg string) { l.log.Debug().Msg(msg) }

func (l *zerologLeveled) Debugf(format string, args ...any) {
	l.log.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l *zerologLeveled) Info(msg string) { l.log.Info().Msg(msg) }

func (l *zerologLeveled) Infof(format string, args ...any) {
	l.log.Info().Msg(fmt.Sprintf(format, args...))
}

func (l *zerologLeveled) Warn(msg string) { l.log.Warn().Msg(msg) }

func (l *zerologLeveled) Warnf(format string, args ...any) {
	l.log.Warn().Msg(fmt.Sprintf(format, args...))
}

func (l *zerologLeveled) Error(msg string) { l.log.Error().Msg(msg) }

func (l *zerologLeveled) Errorf(format string, args ...any) {
	l.log.Error().Msg(fmt.Sprintf(format, args...))
}
