package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetLogLevel parses a human-friendly level name (as accepted by --log-level
// or LOG_LEVEL) and applies it to the package-level logrus logger. Unknown
// values fall back to InfoLevel rather than erroring, since this is invoked
// from flag/env parsing where a typo should degrade gracefully.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// SetupBaseLogger configures the package-level logrus logger for the
// process: a text or JSON formatter (jsonFormat) for stdout plus, when
// logDir is non-empty, a size/age-capped rotating file sink via lumberjack.
// main's init calls it with defaults, and main calls it again once flags
// are parsed.
func SetupBaseLogger(level string, logDir string, jsonFormat bool) {
	if jsonFormat {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	SetLogLevel(level)

	var writers []io.Writer
	writers = append(writers, os.Stdout)
	if logDir != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   logDir + "/gateway.log",
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	log.SetOutput(io.MultiWriter(writers...))
}
