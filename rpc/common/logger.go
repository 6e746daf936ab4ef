package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// levelTags are the tags printed in front of a message
var levelTags = map[logger.LogLevel]string{
	logger.DEBUG:   "DEBUG",
	logger.INFO:    "INFO",
	logger.WARNING: "WARN",
	logger.ERROR:   "ERROR",
}

// nodeLogger writes lines in the format "date time | LEVEL | package | message".
// Logs go to stderr so that CLI results on stdout stay machine readable.
type nodeLogger struct {
	name  string
	level logger.LogLevel
	out   *log.Logger
}

func newLogger(name string, w io.Writer) *nodeLogger {
	return &nodeLogger{
		name:  name,
		level: logger.INFO,
		out:   log.New(w, "", log.Ldate|log.Ltime),
	}
}

func (l *nodeLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *nodeLogger) Debugf(format string, args ...interface{}) {
	l.write(logger.DEBUG, format, args...)
}

func (l *nodeLogger) Infof(format string, args ...interface{}) {
	l.write(logger.INFO, format, args...)
}

func (l *nodeLogger) Warningf(format string, args ...interface{}) {
	l.write(logger.WARNING, format, args...)
}

func (l *nodeLogger) Errorf(format string, args ...interface{}) {
	l.write(logger.ERROR, format, args...)
}

// Panicf always panics, the message is logged first if errors are enabled
func (l *nodeLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.write(logger.ERROR, "%s", msg)
	panic(msg)
}

func (l *nodeLogger) write(level logger.LogLevel, format string, args ...interface{}) {
	if l.level < level {
		return
	}
	l.out.Printf("%-5s | %-10s | %s", levelTags[level], l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the dragonboat logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return newLogger(pkgName, os.Stderr)
}

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// LoggerNames are the named loggers of all packages
var LoggerNames = []string{
	"partition",
	"backup",
	"mapstore",
	"invocation",
	"gate",
	"node",
	"admin",
}

// InitLoggers installs the custom logger factory and sets the level of all package loggers.
// Loggers created before the call keep the dragonboat default format.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
