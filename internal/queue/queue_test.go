package queue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jomxxx/mcwdserver2/internal/metrics"
)

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
}

func TestDoRunsInOrder(t *testing.T) {
	q := New(nil)
	defer stopQueue(t, q)

	// Hold the worker so the remaining jobs queue up behind it.
	release := make(chan struct{})
	started := make(chan struct{})
	go q.Do(context.Background(), func(context.Context) {
		close(started)
		<-release
	})
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Do(context.Background(), func(context.Context) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}(i)
		// Enqueue strictly one after another.
		waitLen(t, q, i+1)
	}

	close(release)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want 0..4", order)
		}
	}
	if q.Processed() != 6 {
		t.Errorf("Processed() = %d, want 6", q.Processed())
	}
}

func waitLen(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for q.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("queue length = %d, want %d", q.Len(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDoIsSerial(t *testing.T) {
	q := New(nil)
	defer stopQueue(t, q)

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Do(context.Background(), func(context.Context) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent jobs = %d, want 1", maxRunning)
	}
}

func TestDoCanceledWhileQueued(t *testing.T) {
	q := New(nil)
	defer stopQueue(t, q)

	release := make(chan struct{})
	started := make(chan struct{})
	go q.Do(context.Background(), func(context.Context) {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	result := make(chan error, 1)
	go func() {
		result <- q.Do(ctx, func(context.Context) { ran <- struct{}{} })
	}()
	waitLen(t, q, 1)
	cancel()

	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Errorf("Do() = %v, want context.Canceled", err)
	}
	close(release)

	// The worker keeps going after skipping the canceled job.
	if err := q.Do(context.Background(), func(context.Context) {}); err != nil {
		t.Fatalf("Do() after cancel: %v", err)
	}
	select {
	case <-ran:
		t.Error("canceled job ran")
	default:
	}
}

func TestDoWaitsForRunningJob(t *testing.T) {
	q := New(nil)
	defer stopQueue(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	finished := false
	err := q.Do(ctx, func(context.Context) {
		cancel()
		time.Sleep(20 * time.Millisecond)
		finished = true
	})
	if err != nil {
		t.Errorf("Do() = %v, want nil for a job that ran", err)
	}
	if !finished {
		t.Error("Do returned before the running job finished")
	}
}

func TestDoRecoversPanic(t *testing.T) {
	q := New(nil)
	defer stopQueue(t, q)

	err := q.Do(context.Background(), func(context.Context) { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Do() = %v, want panic error", err)
	}
	if err := q.Do(context.Background(), func(context.Context) {}); err != nil {
		t.Errorf("worker dead after panic: %v", err)
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	q := New(nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go q.Do(context.Background(), func(context.Context) {
		close(started)
		<-release
	})
	<-started

	drained := make(chan struct{})
	go func() {
		q.Do(context.Background(), func(context.Context) { close(drained) })
	}()
	waitLen(t, q, 1)

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(context.Background()) }()

	// Stop marks the queue closed before it waits. A job enqueued before that
	// sits behind the blocked one, so each try gives up quickly and is skipped.
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		err := q.Do(ctx, func(context.Context) {})
		cancel()
		if errors.Is(err, ErrStopped) {
			break
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Do() error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("queue never rejected new work")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
	select {
	case <-drained:
	default:
		t.Error("job queued before Stop was not run")
	}
}

func TestStopTimeout(t *testing.T) {
	q := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go q.Do(context.Background(), func(context.Context) {
		close(started)
		<-release
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() = %v, want context.DeadlineExceeded", err)
	}
}

func TestQueueMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := New(metrics.New(reg))
	defer stopQueue(t, q)

	for i := 0; i < 3; i++ {
		if err := q.Do(context.Background(), func(context.Context) {}); err != nil {
			t.Fatalf("Do() error: %v", err)
		}
	}

	want := `
# HELP booking_queue_depth Requests waiting in the serial request queue.
# TYPE booking_queue_depth gauge
booking_queue_depth 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "booking_queue_depth"); err != nil {
		t.Error(err)
	}
	if n, err := testutil.GatherAndCount(reg, "booking_queue_wait_seconds"); err != nil || n != 1 {
		t.Errorf("wait histogram series = %d (err %v), want 1", n, err)
	}
}

func TestMiddleware(t *testing.T) {
	q := New(nil)

	h := q.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/panic" {
			panic("handler failure")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("panic status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Internal server error") {
		t.Errorf("panic body = %q", rec.Body.String())
	}

	stopQueue(t, q)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after Stop = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
