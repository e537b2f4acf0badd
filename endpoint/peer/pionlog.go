package peer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// loggerFactory routes pion's internal logging through zerolog.
type loggerFactory struct {
	logger zerolog.Logger
}

func NewLoggerFactory(logger *zerolog.Logger) logging.LoggerFactory {
	return &loggerFactory{logger: logger.With().Str("component", "webrtc").Logger()}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.logger.With().Str("scope", scope).Logger()}
}

type leveledLogger struct {
	logger zerolog.Logger
}

func (l *leveledLogger) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.logger.Info().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.logger.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.logger.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}
