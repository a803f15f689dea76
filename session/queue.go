package session

import (
	"context"
	"sync"

	"harvest/log"
	"harvest/session/store"
)

// defaultQueueBuffer backs "unbounded" queues. Submissions past this
// still fail fast rather than grow memory without limit; the size is
// large enough that hitting it means the orchestrator has wedged.
const defaultQueueBuffer = 1024

// monitorThreshold is the queue depth at which an unbounded queue
// starts logging warnings.
const monitorThreshold = 64

// TurnExecutor runs one full turn against the subprocess: write the
// prompt, wait for the sentinel, persist the turn. The PromptQueue
// invokes it from a single worker goroutine, guaranteeing at most one
// turn executes concurrently.
type TurnExecutor func(ctx context.Context, prompt string) (*store.Turn, error)

type submitRequest struct {
	ctx    context.Context
	prompt string
	reply  chan submitReply
}

type submitReply struct {
	turn *store.Turn
	err  error
}

// PromptQueue serializes caller-submitted prompts into the subprocess,
// FIFO, one in flight. Safe for concurrent Submit calls.
type PromptQueue struct {
	exec    TurnExecutor
	bounded bool

	submits chan *submitRequest

	stopOnce sync.Once
	stopped  chan struct{}
	drained  chan struct{}
}

// NewPromptQueue creates a queue with the given depth bound. depth 0
// means unbounded-but-monitored.
func NewPromptQueue(depth int, exec TurnExecutor) *PromptQueue {
	bounded := depth > 0
	if depth <= 0 {
		depth = defaultQueueBuffer
	}
	q := &PromptQueue{
		exec:    exec,
		bounded: bounded,
		submits: make(chan *submitRequest, depth),
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
	}
	go q.worker()
	return q
}

// Submit enqueues a prompt and suspends the caller until the
// corresponding turn completes, the context is cancelled, or the queue
// shuts down. Turns are applied in exact submission order.
func (q *PromptQueue) Submit(ctx context.Context, prompt string) (*store.Turn, error) {
	req := &submitRequest{
		ctx:    ctx,
		prompt: prompt,
		reply:  make(chan submitReply, 1),
	}

	if !q.bounded {
		if depth := len(q.submits); depth >= monitorThreshold {
			log.WarningLog.Printf("prompt queue depth %d exceeds monitor threshold", depth)
		}
	}

	select {
	case <-q.stopped:
		return nil, ErrSessionTerminated
	default:
	}

	select {
	case q.submits <- req:
	default:
		// Depth bound reached: fail fast rather than accept unbounded
		// memory growth.
		log.QueueTrace("submit rejected, queue saturated")
		return nil, ErrQueueSaturated
	}

	select {
	case reply := <-req.reply:
		return reply.turn, reply.err
	case <-ctx.Done():
		// The worker still owns the request and will run or discard it;
		// the caller stops waiting. Cancellation semantics (recording
		// the turn as incomplete) are handled by the executor.
		return nil, ctx.Err()
	case <-q.stopped:
		return nil, ErrSessionTerminated
	}
}

// worker drains submissions one at a time, preserving FIFO order.
func (q *PromptQueue) worker() {
	defer close(q.drained)
	for {
		select {
		case <-q.stopped:
			q.failPending()
			return
		case req := <-q.submits:
			if req.ctx.Err() != nil {
				req.reply <- submitReply{err: req.ctx.Err()}
				continue
			}
			log.QueueTrace("dequeued prompt (%d waiting)", len(q.submits))
			turn, err := q.exec(req.ctx, req.prompt)
			req.reply <- submitReply{turn: turn, err: err}
		}
	}
}

// failPending rejects everything still waiting when the queue stops.
// Submissions are never silently dropped.
func (q *PromptQueue) failPending() {
	for {
		select {
		case req := <-q.submits:
			req.reply <- submitReply{err: ErrSessionTerminated}
		default:
			return
		}
	}
}

// Close stops the queue. In-flight executor calls finish; queued
// submissions are failed with ErrSessionTerminated. Idempotent.
func (q *PromptQueue) Close() {
	q.stopOnce.Do(func() {
		close(q.stopped)
	})
	<-q.drained
}

// Depth returns the number of prompts waiting behind the in-flight turn.
func (q *PromptQueue) Depth() int {
	return len(q.submits)
}
