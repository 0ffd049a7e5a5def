package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

var (
	InfoLogger  *log.Logger
	ErrorLogger *log.Logger
	DebugLogger *log.Logger

	debugEnabled bool
)

// Init opens today's log file under logDir (named after this binary,
// relaykit_YYYY-MM-DD.log) and fans Info/Error/Debug out to it and
// stdout. Debug lines are only emitted when DEBUG is set in the
// environment, since the Worker/Dispatcher poll loops would otherwise
// flood the log at 1Hz+.
func Init(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("relaykit_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	multiWriter := io.MultiWriter(os.Stdout, f)

	InfoLogger = log.New(multiWriter, "[INFO] ", log.Ldate|log.Ltime)
	ErrorLogger = log.New(multiWriter, "[ERROR] ", log.Ldate|log.Ltime|log.Lshortfile)
	DebugLogger = log.New(multiWriter, "[DEBUG] ", log.Ldate|log.Ltime)
	debugEnabled = os.Getenv("DEBUG") != ""

	return nil
}

func Info(format string, v ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Output(2, fmt.Sprintf(format, v...))
	} else {
		log.Printf("[INFO] "+format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Output(2, fmt.Sprintf(format, v...))
	} else {
		log.Printf("[ERROR] "+format, v...)
	}
}

// Debug logs only when DEBUG was set at Init time, prefixed with the
// caller's file:line since these lines are off by default and worth
// tracing back to a call site without the noise of log.Lshortfile on
// every Info line (Error lines already carry log.Lshortfile).
func Debug(format string, v ...interface{}) {
	if !debugEnabled {
		return
	}
	line := fmt.Sprintf("%s %s", callerLocation(), fmt.Sprintf(format, v...))
	if DebugLogger != nil {
		DebugLogger.Output(2, line)
	} else {
		log.Printf("[DEBUG] "+line)
	}
}

func callerLocation() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
