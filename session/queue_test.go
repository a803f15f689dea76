package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"harvest/session/store"
)

func TestQueueExecutesSerially(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	inFlight := 0
	exec := func(ctx context.Context, prompt string) (*store.Turn, error) {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			mu.Unlock()
			t.Error("more than one turn in flight")
			return nil, nil
		}
		executed = append(executed, prompt)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &store.Turn{Prompt: prompt}, nil
	}

	q := NewPromptQueue(8, exec)
	defer q.Close()

	var wg sync.WaitGroup
	for _, p := range []string{"one", "two", "three"} {
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			turn, err := q.Submit(context.Background(), prompt)
			if err != nil {
				t.Errorf("Submit(%q) failed: %v", prompt, err)
				return
			}
			if turn.Prompt != prompt {
				t.Errorf("Submit(%q) returned turn for %q", prompt, turn.Prompt)
			}
		}(p)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 3 {
		t.Errorf("executed %d prompts, want 3", len(executed))
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	exec := func(ctx context.Context, prompt string) (*store.Turn, error) {
		if prompt == "blocker" {
			<-gate
		}
		mu.Lock()
		order = append(order, prompt)
		mu.Unlock()
		return &store.Turn{Prompt: prompt}, nil
	}

	q := NewPromptQueue(8, exec)
	defer q.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Submit(context.Background(), "blocker")
	}()
	// Let the worker pick up the blocker and park on the gate.
	time.Sleep(20 * time.Millisecond)

	// Enqueue in a known order while the worker is held; each send is
	// confirmed buffered before the next.
	for i, p := range []string{"first", "second", "third"} {
		wg.Add(1)
		prompt := p
		go func() {
			defer wg.Done()
			_, _ = q.Submit(context.Background(), prompt)
		}()
		waitForDepth(t, q, i+1, prompt)
	}

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"blocker", "first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

// waitForDepth waits until the latest submission is buffered.
func waitForDepth(t *testing.T, q *PromptQueue, depth int, prompt string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Depth() >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("prompt %q never reached the queue", prompt)
}

func TestQueueSaturation(t *testing.T) {
	gate := make(chan struct{})
	exec := func(ctx context.Context, prompt string) (*store.Turn, error) {
		<-gate
		return &store.Turn{Prompt: prompt}, nil
	}

	q := NewPromptQueue(1, exec)
	defer func() {
		close(gate)
		q.Close()
	}()

	// First submission occupies the worker.
	go func() { _, _ = q.Submit(context.Background(), "in-flight") }()
	deadline := time.Now().Add(time.Second)
	for q.Depth() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	// Second fills the single buffered slot.
	go func() { _, _ = q.Submit(context.Background(), "waiting") }()
	for q.Depth() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Third must be rejected, not blocked.
	_, err := q.Submit(context.Background(), "overflow")
	if !errors.Is(err, ErrQueueSaturated) {
		t.Errorf("Submit on saturated queue = %v, want ErrQueueSaturated", err)
	}
}

func TestQueueCloseRejectsPending(t *testing.T) {
	gate := make(chan struct{})
	exec := func(ctx context.Context, prompt string) (*store.Turn, error) {
		<-gate
		return &store.Turn{Prompt: prompt}, nil
	}

	q := NewPromptQueue(8, exec)

	go func() { _, _ = q.Submit(context.Background(), "in-flight") }()
	time.Sleep(20 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Submit(context.Background(), "queued")
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for q.Depth() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	close(gate)
	q.Close()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, ErrSessionTerminated) {
			t.Errorf("pending submit after Close = %v, want nil or ErrSessionTerminated", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending submit never returned after Close")
	}

	// Submissions after Close are refused outright.
	_, err := q.Submit(context.Background(), "late")
	if !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("Submit after Close = %v, want ErrSessionTerminated", err)
	}
}

func TestQueueCloseIdempotent(t *testing.T) {
	q := NewPromptQueue(1, func(ctx context.Context, prompt string) (*store.Turn, error) {
		return &store.Turn{}, nil
	})
	q.Close()
	q.Close()
}

func TestQueueContextCancellation(t *testing.T) {
	gate := make(chan struct{})
	exec := func(ctx context.Context, prompt string) (*store.Turn, error) {
		<-gate
		return &store.Turn{Prompt: prompt}, nil
	}
	q := NewPromptQueue(8, exec)
	defer func() {
		close(gate)
		q.Close()
	}()

	go func() { _, _ = q.Submit(context.Background(), "in-flight") }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, "cancelled")
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for q.Depth() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled Submit = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled submit never returned")
	}
}
