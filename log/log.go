// Package log provides file-backed logging for the executor plus a debug
// mode with turn profiling. Enable debug mode by setting HARVEST_DEBUG=1.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var (
	InfoLog    *log.Logger
	WarningLog *log.Logger
	ErrorLog   *log.Logger

	logFile *os.File

	// globalLogPath is printed on Close so users can find the logs after a
	// crashed or escalated session.
	globalLogPath = filepath.Join(os.TempDir(), "harvest.log")
)

// Initialize sets up the package loggers. The executor runs headless
// inside a sandbox, so everything goes to a file rather than stderr;
// the orchestrator reads escalations out of band, not from our logs.
func Initialize() {
	f, err := os.OpenFile(globalLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// Fall back to stderr rather than losing messages entirely.
		fmt.Fprintf(os.Stderr, "could not open log file %s: %s\n", globalLogPath, err)
		initLoggers(os.Stderr)
		return
	}
	logFile = f
	initLoggers(f)
}

func initLoggers(w io.Writer) {
	InfoLog = log.New(w, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	WarningLog = log.New(w, "WARNING: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLog = log.New(w, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
}

// Close flushes and closes the log file. Safe to call multiple times.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Path returns the location of the executor log file.
func Path() string {
	return globalLogPath
}

func init() {
	// Loggers must never be nil even if Initialize is skipped (tests).
	initLoggers(io.Discard)
}
