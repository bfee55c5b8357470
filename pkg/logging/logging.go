package logging

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	logger   = logrus.New()
	loggerMu sync.RWMutex
)

func init() {
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)
}

// Setup configures level (debug|info|warn|error) and format (text|json).
func Setup(level, format string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// GetInstanceID returns the unique ID for this process
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		// INSTANCE_ID allows a fixed ID, then POD_NAME, then HOSTNAME
		instanceID = os.Getenv("INSTANCE_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if len(hostname) > 8 {
				instanceID = hostname[len(hostname)-8:]
			} else if hostname != "" {
				instanceID = hostname
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

func entry() *logrus.Entry {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger.WithField("instance", GetInstanceID())
}

// DebugEnabled reports whether debug lines are emitted.
func DebugEnabled() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// Logf logs a formatted message at info level
func Logf(format string, v ...interface{}) {
	entry().Infof(format, v...)
}

// Debugf logs a formatted message at debug level. Arguments are not
// formatted when debug is off.
func Debugf(format string, v ...interface{}) {
	if !DebugEnabled() {
		return
	}
	entry().Debugf(format, v...)
}

// Warnf logs a formatted message at warn level
func Warnf(format string, v ...interface{}) {
	entry().Warnf(format, v...)
}

// Errorf logs a formatted message at error level
func Errorf(format string, v ...interface{}) {
	entry().Errorf(format, v...)
}

// Fatalf logs a fatal error, flushes the output and exits
func Fatalf(format string, v ...interface{}) {
	entry().Logf(logrus.FatalLevel, format, v...)
	Flush()
	loggerMu.RLock()
	exit := logger.Exit
	loggerMu.RUnlock()
	exit(1)
}

// Flush syncs the log output before exit
func Flush() {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if f, ok := logger.Out.(*os.File); ok {
		_ = f.Sync()
	}
}

// StdLogger adapts the logger for libraries that only accept a *log.Logger.
// Their lines are emitted at warn level under the given component tag.
func StdLogger(component string) *log.Logger {
	return log.New(entry().WriterLevel(logrus.WarnLevel), "["+component+"] ", 0)
}
