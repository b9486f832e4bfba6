package logs

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is a subsystem logger. All messages are tagged with the subsystem
// tag and filtered by the logger's level before being handed to the backend.
type Logger struct {
	lvl uint32 // atomic Level
	tag string
	b   *Backend
}

// Level returns the current logging level.
func (l *Logger) Level() Level {
	return Level(atomic.LoadUint32(&l.lvl))
}

// SetLevel changes the logging level. It is safe for concurrent use.
func (l *Logger) SetLevel(logLevel Level) {
	atomic.StoreUint32(&l.lvl, uint32(logLevel))
}

func (l *Logger) write(logLevel Level, format string, args ...interface{}) {
	if !l.b.IsRunning() {
		return
	}

	t := time.Now()
	var buf bytes.Buffer
	buf.WriteString(t.Format("2006-01-02 15:04:05.000"))
	buf.WriteString(" [")
	buf.WriteString(logLevel.String())
	buf.WriteString("] ")
	buf.WriteString(l.tag)
	buf.WriteString(": ")
	if format == "" {
		fmt.Fprint(&buf, args...)
	} else {
		fmt.Fprintf(&buf, format, args...)
	}
	buf.WriteByte('\n')

	l.b.writeChan <- logEntry{log: buf.Bytes(), level: logLevel}
}

func (l *Logger) print(logLevel Level, args ...interface{}) {
	if logLevel >= l.Level() {
		l.write(logLevel, "", args...)
	}
}

func (l *Logger) printf(logLevel Level, format string, args ...interface{}) {
	if logLevel >= l.Level() {
		l.write(logLevel, format, args...)
	}
}

// Trace formats a message using the default formats for its operands and
// writes it at LevelTrace.
func (l *Logger) Trace(args ...interface{}) { l.print(LevelTrace, args...) }

// Tracef formats a message according to a format specifier and writes it
// at LevelTrace.
func (l *Logger) Tracef(format string, args ...interface{}) { l.printf(LevelTrace, format, args...) }

// Debug formats a message using the default formats for its operands and
// writes it at LevelDebug.
func (l *Logger) Debug(args ...interface{}) { l.print(LevelDebug, args...) }

// Debugf formats a message according to a format specifier and writes it
// at LevelDebug.
func (l *Logger) Debugf(format string, args ...interface{}) { l.printf(LevelDebug, format, args...) }

// Info formats a message using the default formats for its operands and
// writes it at LevelInfo.
func (l *Logger) Info(args ...interface{}) { l.print(LevelInfo, args...) }

// Infof formats a message according to a format specifier and writes it
// at LevelInfo.
func (l *Logger) Infof(format string, args ...interface{}) { l.printf(LevelInfo, format, args...) }

// Warn formats a message using the default formats for its operands and
// writes it at LevelWarn.
func (l *Logger) Warn(args ...interface{}) { l.print(LevelWarn, args...) }

// Warnf formats a message according to a format specifier and writes it
// at LevelWarn.
func (l *Logger) Warnf(format string, args ...interface{}) { l.printf(LevelWarn, format, args...) }

// Error formats a message using the default formats for its operands and
// writes it at LevelError.
func (l *Logger) Error(args ...interface{}) { l.print(LevelError, args...) }

// Errorf formats a message according to a format specifier and writes it
// at LevelError.
func (l *Logger) Errorf(format string, args ...interface{}) { l.printf(LevelError, format, args...) }

// Critical formats a message using the default formats for its operands and
// writes it at LevelCritical.
func (l *Logger) Critical(args ...interface{}) { l.print(LevelCritical, args...) }

// Criticalf formats a message according to a format specifier and writes it
// at LevelCritical.
func (l *Logger) Criticalf(format string, args ...interface{}) {
	l.printf(LevelCritical, format, args...)
}

var (
	// BackendLog is the process-wide logging backend. Subsystem loggers are
	// all attached to it.
	BackendLog = NewBackend()

	subsystemsMtx sync.Mutex
	subsystems    = make(map[string]*Logger)
)

// RegisterSubSystem returns a logger for the given subsystem tag, creating
// it if it does not exist yet. Packages call this from their log.go at init
// time.
func RegisterSubSystem(subsystem string) *Logger {
	subsystemsMtx.Lock()
	defer subsystemsMtx.Unlock()
	logger, ok := subsystems[subsystem]
	if !ok {
		logger = BackendLog.Logger(subsystem)
		subsystems[subsystem] = logger
	}
	return logger
}

// SupportedSubsystems returns a sorted slice of the registered subsystems.
func SupportedSubsystems() []string {
	subsystemsMtx.Lock()
	defer subsystemsMtx.Unlock()
	tags := make([]string, 0, len(subsystems))
	for tag := range subsystems {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// SetLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored. Uninitialized subsystems are dynamically created
// as needed.
func SetLogLevel(subsystemTag string, logLevel string) {
	level, _ := LevelFromString(logLevel)
	subsystemsMtx.Lock()
	defer subsystemsMtx.Unlock()
	logger, ok := subsystems[subsystemTag]
	if !ok {
		return
	}
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all registered subsystems.
func SetLogLevels(logLevel string) {
	level, _ := LevelFromString(logLevel)
	subsystemsMtx.Lock()
	defer subsystemsMtx.Unlock()
	for _, logger := range subsystems {
		logger.SetLevel(level)
	}
}

// ParseAndSetDebugLevels attempts to parse the debug level string and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid. The format is either a single level applied to all subsystems or
// a comma-separated list of TAG=level pairs.
func ParseAndSetDebugLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if _, ok := LevelFromString(debugLevel); !ok {
			return fmt.Errorf("the specified debug level [%s] is invalid", debugLevel)
		}
		SetLogLevels(debugLevel)
		return nil
	}

	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains an invalid subsystem/level pair [%s]", logLevelPair)
		}
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an invalid format [%s]", logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		subsystemsMtx.Lock()
		_, exists := subsystems[subsysID]
		subsystemsMtx.Unlock()
		if !exists {
			return fmt.Errorf("the specified subsystem [%s] is invalid -- supported subsystems %v",
				subsysID, SupportedSubsystems())
		}
		if _, ok := LevelFromString(logLevel); !ok {
			return fmt.Errorf("the specified debug level [%s] is invalid", logLevel)
		}
		SetLogLevel(subsysID, logLevel)
	}
	return nil
}

// InitLog attaches the default stdout writer plus a rotating log file to the
// process-wide backend and starts it.
func InitLog(logFile string) error {
	err := BackendLog.AddLogWriter(os.Stdout, LevelInfo)
	if err != nil {
		return err
	}
	if logFile != "" {
		err = BackendLog.AddLogFile(logFile, LevelTrace)
		if err != nil {
			return err
		}
	}
	return BackendLog.Run()
}
