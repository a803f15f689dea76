package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Debug mode configuration
var (
	DebugEnabled bool
	DebugLog     *log.Logger
	debugLogFile *os.File
)

var debugLogFileName = filepath.Join(os.TempDir(), "harvest-debug.log")

// InitDebug initializes debug logging if HARVEST_DEBUG=1 is set.
// Call this after Initialize() in main.
func InitDebug() {
	if os.Getenv("HARVEST_DEBUG") != "1" {
		// Initialize DebugLog as a no-op logger to prevent nil pointer panics
		DebugLog = log.New(io.Discard, "", 0)
		return
	}

	DebugEnabled = true

	f, err := os.OpenFile(debugLogFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		if ErrorLog != nil {
			ErrorLog.Printf("could not open debug log file: %s", err)
		}
		// Fall back to no-op logger on error
		DebugLog = log.New(io.Discard, "", 0)
		return
	}

	DebugLog = log.New(f, "DEBUG:", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLogFile = f

	DebugLog.Println("Debug mode enabled")
	DebugLog.Printf("Debug log: %s", debugLogFileName)
}

// CloseDebug closes the debug log file.
func CloseDebug() {
	if debugLogFile != nil {
		_ = debugLogFile.Close()
		fmt.Println("wrote debug logs to " + debugLogFileName)
	}
}

// Debug logs a debug message if debug mode is enabled.
func Debug(format string, v ...interface{}) {
	if DebugEnabled && DebugLog != nil {
		DebugLog.Printf(format, v...)
	}
}

// TurnProfiler tracks per-operation timing across the executor: git
// safety steps, store writes, demux assembly, full turns.
type TurnProfiler struct {
	mu          sync.RWMutex
	operations  map[string]*OperationMetrics
	turnCount   int64
	totalTime   time.Duration
	lastTurnAt  time.Time
	turnTimings []time.Duration // Rolling window of turn durations
}

// OperationMetrics tracks metrics for a single named operation.
type OperationMetrics struct {
	Name      string
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	LastRunAt time.Time
}

// Global profiler instance
var profiler = &TurnProfiler{
	operations:  make(map[string]*OperationMetrics),
	turnTimings: make([]time.Duration, 0, 100),
}

// GetProfiler returns the global turn profiler.
func GetProfiler() *TurnProfiler {
	return profiler
}

// StartOp begins timing a named operation.
// Returns a function to call when the operation completes.
func (p *TurnProfiler) StartOp(operation string) func() {
	if !DebugEnabled {
		return func() {}
	}

	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		p.recordOp(operation, elapsed)
	}
}

// recordOp records an operation timing.
func (p *TurnProfiler) recordOp(operation string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics, ok := p.operations[operation]
	if !ok {
		metrics = &OperationMetrics{
			Name:    operation,
			MinTime: elapsed,
			MaxTime: elapsed,
		}
		p.operations[operation] = metrics
	}

	metrics.Count++
	metrics.TotalTime += elapsed
	metrics.LastRunAt = time.Now()

	if elapsed < metrics.MinTime {
		metrics.MinTime = elapsed
	}
	if elapsed > metrics.MaxTime {
		metrics.MaxTime = elapsed
	}
}

// RecordTurn records a complete prompt/response turn.
func (p *TurnProfiler) RecordTurn(elapsed time.Duration) {
	if !DebugEnabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.turnCount++
	p.totalTime += elapsed
	p.lastTurnAt = time.Now()

	// Keep rolling window of last 100 turn durations
	if len(p.turnTimings) >= 100 {
		p.turnTimings = p.turnTimings[1:]
	}
	p.turnTimings = append(p.turnTimings, elapsed)
}

// GetStats returns a summary of executor timing statistics.
func (p *TurnProfiler) GetStats() string {
	if !DebugEnabled {
		return ""
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("\n=== Turn Profile ===\n")
	sb.WriteString(fmt.Sprintf("Total turns: %d\n", p.turnCount))

	if p.turnCount > 0 {
		avgTurn := p.totalTime / time.Duration(p.turnCount)
		sb.WriteString(fmt.Sprintf("Avg turn time: %v\n", avgTurn))
	}

	if len(p.turnTimings) > 0 {
		var sum time.Duration
		min := p.turnTimings[0]
		max := p.turnTimings[0]
		for _, t := range p.turnTimings {
			sum += t
			if t < min {
				min = t
			}
			if t > max {
				max = t
			}
		}
		avg := sum / time.Duration(len(p.turnTimings))
		sb.WriteString(fmt.Sprintf("Recent %d turns: avg=%v min=%v max=%v\n",
			len(p.turnTimings), avg, min, max))
	}

	// Operation breakdown
	sb.WriteString("\n--- Operations ---\n")

	// Sort by total time descending
	var sorted []*OperationMetrics
	for _, m := range p.operations {
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TotalTime > sorted[j].TotalTime
	})

	for _, m := range sorted {
		avg := time.Duration(0)
		if m.Count > 0 {
			avg = m.TotalTime / time.Duration(m.Count)
		}
		sb.WriteString(fmt.Sprintf("  %s: count=%d total=%v avg=%v min=%v max=%v\n",
			m.Name, m.Count, m.TotalTime, avg, m.MinTime, m.MaxTime))
	}

	return sb.String()
}

// LogStats logs the current timing statistics.
func (p *TurnProfiler) LogStats() {
	if DebugEnabled && DebugLog != nil {
		DebugLog.Print(p.GetStats())
	}
}

// Reset clears all profiling data.
func (p *TurnProfiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.operations = make(map[string]*OperationMetrics)
	p.turnCount = 0
	p.totalTime = 0
	p.turnTimings = make([]time.Duration, 0, 100)
}

// StreamTrace logs demultiplexer events (decoded records, sentinel hits,
// discarded incidental lines).
func StreamTrace(format string, v ...interface{}) {
	if DebugEnabled && DebugLog != nil {
		DebugLog.Printf("[STREAM] "+format, v...)
	}
}

// GitTrace logs git safety engine transitions and commands.
func GitTrace(format string, v ...interface{}) {
	if DebugEnabled && DebugLog != nil {
		DebugLog.Printf("[GIT] "+format, v...)
	}
}

// QueueTrace logs prompt queue events.
func QueueTrace(format string, v ...interface{}) {
	if DebugEnabled && DebugLog != nil {
		DebugLog.Printf("[QUEUE] "+format, v...)
	}
}
