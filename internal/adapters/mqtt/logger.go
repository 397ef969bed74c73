package mqtt

import (
	"fmt"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// pahoLogger adapts paho's Println/Printf loggers to zerolog.
type pahoLogger struct {
	level zerolog.Level
}

func (l pahoLogger) Println(v ...any) {
	l.emit(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l pahoLogger) Printf(format string, v ...any) {
	l.emit(fmt.Sprintf(format, v...))
}

func (l pahoLogger) emit(msg string) {
	log.WithLevel(l.level).Str("module", "paho").Msg(msg)
}

// SetupLogging routes paho's internal warnings and errors into zerolog.
func SetupLogging() {
	paho.CRITICAL = pahoLogger{level: zerolog.ErrorLevel}
	paho.ERROR = pahoLogger{level: zerolog.ErrorLevel}
	paho.WARN = pahoLogger{level: zerolog.WarnLevel}
}
