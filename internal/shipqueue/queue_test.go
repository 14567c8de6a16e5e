package shipqueue

import (
	"sync"
	"testing"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	var jobs []*Job
	for i := 0; i < 10; i++ {
		j := NewJob(KindHTTP, "GET", "http://example.invalid/", nil, nil, nil)
		jobs = append(jobs, j)
		q.Enqueue(j)
	}

	for i, want := range jobs {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: queue closed unexpectedly", i)
		}
		if got != want {
			t.Fatalf("Dequeue %d: got job %d, want job %d", i, got.ID, want.ID)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	result := make(chan *Job, 1)
	go func() {
		j, ok := q.Dequeue()
		if !ok {
			result <- nil
			return
		}
		result <- j
	}()

	j := NewJob(KindHTTP, "GET", "http://example.invalid/", nil, nil, nil)
	q.Enqueue(j)

	got := <-result
	if got != j {
		t.Fatalf("got %v, want %v", got, j)
	}
}

func TestRemoveQueuedJob(t *testing.T) {
	q := New()
	a := NewJob(KindHTTP, "GET", "http://a.invalid/", nil, nil, nil)
	b := NewJob(KindHTTP, "GET", "http://b.invalid/", nil, nil, nil)
	q.Enqueue(a)
	q.Enqueue(b)

	if !q.Remove(a) {
		t.Fatal("expected Remove(a) to find and remove a")
	}
	got, ok := q.Dequeue()
	if !ok || got != b {
		t.Fatalf("expected to dequeue b, got %v ok=%v", got, ok)
	}
}

func TestCloseWakesBlockedDequeue(t *testing.T) {
	q := New()
	done := make(chan struct{})
	go func() {
		_, ok := q.Dequeue()
		if ok {
			t.Error("expected ok=false after Close")
		}
		close(done)
	}()
	q.Close()
	<-done
}

func TestConcurrentEnqueueDequeuePreservesCount(t *testing.T) {
	q := New()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			q.Enqueue(NewJob(KindHTTP, "GET", "http://example.invalid/", nil, nil, nil))
		}()
	}
	wg.Wait()

	seen := 0
	for seen < n {
		if _, ok := q.Dequeue(); !ok {
			t.Fatal("queue closed unexpectedly")
		}
		seen++
	}
}
