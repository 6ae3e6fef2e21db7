package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewRingBuffer(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"valid size", 100, 100},
		{"zero size uses default", 0, DefaultSize},
		{"negative size uses default", -5, DefaultSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer[int](tt.size)
			if rb.Cap() != tt.want {
				t.Errorf("Cap() = %d, want %d", rb.Cap(), tt.want)
			}
			if rb.Len() != 0 {
				t.Errorf("Len() = %d, want 0", rb.Len())
			}
		})
	}
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := NewRingBuffer[string](3)

	for _, s := range []string{"a", "b", "c"} {
		if err := rb.Push(s); err != nil {
			t.Fatalf("Push(%q) error = %v", s, err)
		}
	}
	if err := rb.Push("d"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Push() on full queue error = %v, want ErrQueueFull", err)
	}

	// Wrap around.
	if got, _ := rb.Pop(); got != "a" {
		t.Errorf("Pop() = %q, want a", got)
	}
	if err := rb.Push("e"); err != nil {
		t.Fatalf("Push() after pop error = %v", err)
	}

	for _, want := range []string{"b", "c", "e"} {
		got, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if got != want {
			t.Errorf("Pop() = %q, want %q", got, want)
		}
	}

	if _, err := rb.Pop(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Pop() on empty queue error = %v, want ErrQueueEmpty", err)
	}

	m := rb.Metrics()
	if m.Pushed != 4 || m.Popped != 4 || m.Dropped != 1 || m.Depth != 0 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer[int](4)
	rb.Push(1)
	rb.Close()

	if err := rb.Push(2); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push() after Close error = %v, want ErrQueueClosed", err)
	}

	// Remaining items drain before the closed error.
	if got, err := rb.PopBlocking(); err != nil || got != 1 {
		t.Errorf("PopBlocking() = %d, %v; want 1, nil", got, err)
	}
	if _, err := rb.PopBlocking(); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("PopBlocking() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopBlockingWakesOnPush(t *testing.T) {
	rb := NewRingBuffer[int](4)
	got := make(chan int, 1)

	go func() {
		v, err := rb.PopBlocking()
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Push(42)

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("PopBlocking() = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("PopBlocking() did not wake up")
	}
}

func TestRingBuffer_PopContextCancel(t *testing.T) {
	rb := NewRingBuffer[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := rb.PopContext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("PopContext() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("PopContext() ignored the deadline")
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer[int](1000)
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := rb.Push(i); err != nil {
					t.Errorf("Push() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if rb.Len() != producers*perProducer {
		t.Errorf("Len() = %d, want %d", rb.Len(), producers*perProducer)
	}
}
