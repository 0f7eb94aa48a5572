package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Logger implements gobilling.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
// A nil logger falls back to zerolog's disabled logger.
func NewLogger(logger *zerolog.Logger) *Logger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Logger{logger: *logger}
}

func (l *Logger) Debug(msg string, fields ...gobilling.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...gobilling.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...gobilling.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...gobilling.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []gobilling.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			event = event.AnErr(f.Key, err)
			continue
		}
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}
