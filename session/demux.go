package session

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"harvest/log"
)

// TurnResult is what the demultiplexer hands back when a turn's
// completion sentinel is observed.
type TurnResult struct {
	// Response is the concatenation of the turn's text chunks.
	Response string
	// FilesTouched is the deduplicated set of file paths referenced by
	// tool invocations during the turn, in first-touch order.
	FilesTouched []string
	// ErrorText joins any structured error events seen during the turn.
	// Informational: an error event does not prevent turn completion.
	ErrorText string
}

// TurnTicket is the one-shot completion signal for an in-flight turn.
// Exactly one result is delivered on Done per ticket.
type TurnTicket struct {
	Index int
	Done  chan TurnResult
}

// Demux reassembles the agent's PTY byte stream into typed events and
// completed turns. It runs concurrently with prompt submission: the
// agent may emit tool events before, during, and after the prompt bytes
// are written, so the accumulator is always live, and BeginTurn merely
// attaches a ticket to it.
type Demux struct {
	mu sync.Mutex

	ticket *TurnTicket

	// accumulated state for the turn currently being assembled
	textParts  []string
	errorParts []string
	filesSeen  map[string]bool
	filesOrder []string

	// InitInfo is populated from the stream's init record, if any.
	initToken        string
	initCapabilities []string

	closed bool
}

// NewDemux returns a demultiplexer with an empty accumulator.
func NewDemux() *Demux {
	return &Demux{
		filesSeen: make(map[string]bool),
	}
}

// BeginTurn attaches a completion ticket for the next sentinel. The
// prompt queue guarantees at most one turn is in flight, so at most one
// ticket is ever attached.
func (d *Demux) BeginTurn(index int) *TurnTicket {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := &TurnTicket{
		Index: index,
		Done:  make(chan TurnResult, 1),
	}
	d.ticket = t
	return t
}

// AbandonTurn detaches the ticket for index and discards everything
// accumulated so far. Called when the submitter gives up on a turn
// (timeout, cancellation, dead subprocess) so output from the abandoned
// turn cannot bleed into the next one. A sentinel arriving later for
// the abandoned turn is treated as stray.
func (d *Demux) AbandonTurn(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ticket != nil && d.ticket.Index != index {
		return
	}
	d.ticket = nil
	d.textParts = nil
	d.errorParts = nil
	d.filesSeen = make(map[string]bool)
	d.filesOrder = nil
	log.StreamTrace("turn %d abandoned, accumulator discarded", index)
}

// Run consumes the raw byte stream until EOF. Call in a dedicated
// goroutine; it returns when the subprocess exits and its PTY closes.
func (d *Demux) Run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	// Tool results can carry whole files on one line.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		d.handleLine(scanner.Text())
	}
	// A partial record truncated at stream end is discarded without
	// raising; scanner.Err of a closed PTY is expected noise.
	if err := scanner.Err(); err != nil {
		log.StreamTrace("stream ended: %v", err)
	}

	d.mu.Lock()
	d.closed = true
	ticket := d.ticket
	d.ticket = nil
	d.mu.Unlock()

	// A turn still waiting at stream end never completes; the queue's
	// timeout or the supervisor's Done channel surfaces that. Drop the
	// ticket silently here so nothing blocks on a dead stream.
	if ticket != nil {
		log.WarningLog.Printf("stream closed with turn %d still in flight", ticket.Index)
	}
}

// handleLine processes one newline-delimited chunk: structured-record
// decode, incidental-output handling, and sentinel detection. The
// sentinel is scanned independently of decode success because the
// subprocess may emit it outside any structured record.
func (d *Demux) handleLine(line string) {
	ev, ok := DecodeEvent(line)
	if ok {
		d.handleEvent(ev)
	} else if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.Contains(line, Sentinel) {
		// Incidental terminal output: absorbed, never surfaced as a
		// turn result.
		log.StreamTrace("incidental: %q", trimmed)
	}

	if strings.Contains(line, Sentinel) {
		d.completeTurn()
	}
}

func (d *Demux) handleEvent(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Type {
	case EventInit:
		d.initToken = ev.SessionToken
		d.initCapabilities = ev.Capabilities
		log.StreamTrace("init: capabilities=%v", ev.Capabilities)
	case EventTextChunk:
		d.textParts = append(d.textParts, ev.Text)
	case EventToolInvocation:
		log.StreamTrace("tool invocation: %s", ev.ToolName)
		if path := ev.FilePath(); path != "" && !d.filesSeen[path] {
			d.filesSeen[path] = true
			d.filesOrder = append(d.filesOrder, path)
		}
	case EventToolResult:
		log.StreamTrace("tool result: %s", ev.ToolID)
	case EventError:
		d.errorParts = append(d.errorParts, ev.Text)
		log.WarningLog.Printf("agent error event: %s", ev.Text)
	case EventUnrecognized:
		log.StreamTrace("unrecognized record: %q", ev.Raw)
	}
}

// completeTurn closes out the accumulated state and delivers it to the
// waiting ticket, if any. A sentinel with no attached ticket (agent
// startup banner, stray echo) resets the accumulator and is logged.
func (d *Demux) completeTurn() {
	d.mu.Lock()

	result := TurnResult{
		Response:     strings.Join(d.textParts, ""),
		FilesTouched: d.filesOrder,
		ErrorText:    strings.Join(d.errorParts, "\n"),
	}
	d.textParts = nil
	d.errorParts = nil
	d.filesSeen = make(map[string]bool)
	d.filesOrder = nil

	ticket := d.ticket
	d.ticket = nil
	d.mu.Unlock()

	if ticket == nil {
		log.WarningLog.Printf("completion sentinel observed with no turn in flight")
		return
	}
	ticket.Done <- result
}

// InitInfo returns the session token and capability set declared by the
// stream's init record, if one was seen.
func (d *Demux) InitInfo() (token string, capabilities []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initToken, d.initCapabilities
}
