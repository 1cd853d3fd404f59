package logger

import (
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

// InitLogger configures the global logrus logger from LOG_LEVEL and LOG_FORMAT.
func InitLogger() {
	log.SetOutput(os.Stdout)
	log.SetReportCaller(true)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = log.InfoLevel
	}

	log.SetLevel(level)
}

// RetryableHTTPLogger adapts logrus to retryablehttp.LeveledLogger.
type RetryableHTTPLogger struct {
	entry *log.Entry
}

var _ retryablehttp.LeveledLogger = (*RetryableHTTPLogger)(nil)

func NewRetryableHTTPLogger(component string) *RetryableHTTPLogger {
	return &RetryableHTTPLogger{entry: log.WithField("component", component)}
}

func (l *RetryableHTTPLogger) Error(msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Error(msg)
}

func (l *RetryableHTTPLogger) Info(msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Info(msg)
}

func (l *RetryableHTTPLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Debug(msg)
}

func (l *RetryableHTTPLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Warn(msg)
}

func (l *RetryableHTTPLogger) withFields(keysAndValues []interface{}) *log.Entry {
	fields := make(log.Fields, len(keysAndValues)/2)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}

		fields[key] = keysAndValues[i+1]
	}

	return l.entry.WithFields(fields)
}
