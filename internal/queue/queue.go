// Package queue runs requests one at a time in arrival order.
//
// Booking writes check a slot's capacity and then insert; running them
// through a single worker keeps two requests from both seeing the last free
// place. The queue is unbounded and strictly FIFO.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jomxxx/mcwdserver2/internal/metrics"
)

// ErrStopped is returned by Do once Stop has been called.
var ErrStopped = errors.New("request queue stopped")

const (
	jobQueued int32 = iota
	jobRunning
	jobCanceled
)

type job struct {
	ctx      context.Context
	fn       func(context.Context)
	enqueued time.Time
	state    atomic.Int32
	panicked any
	done     chan struct{}
}

// Queue serializes work onto one goroutine.
type Queue struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	items  []*job
	closed bool

	processed atomic.Int64
	done      chan struct{}
}

// New starts a queue with its worker goroutine.
func New(m *metrics.Metrics) *Queue {
	q := &Queue{
		metrics: m,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Do enqueues fn and waits for it to finish. If ctx ends while fn is still
// waiting its turn, fn is skipped and ctx's error returned; once fn has
// started, Do always waits for it. A panic in fn is recovered and returned
// as an error.
func (q *Queue) Do(ctx context.Context, fn func(context.Context)) error {
	j := &job{
		ctx:      ctx,
		fn:       fn,
		enqueued: time.Now(),
		done:     make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, j)
	q.metrics.QueueDepth(len(q.items))
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case <-j.done:
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobCanceled) {
			return ctx.Err()
		}
		<-j.done
	}

	if j.panicked != nil {
		return fmt.Errorf("queued request panicked: %v", j.panicked)
	}
	return nil
}

// Len returns the number of requests waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Processed returns how many requests have run.
func (q *Queue) Processed() int64 {
	return q.processed.Load()
}

// Stop rejects new requests, lets the worker finish those already queued and
// waits for it to exit or for ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain request queue: %w", ctx.Err())
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		j, ok := q.next()
		if !ok {
			return
		}
		if !j.state.CompareAndSwap(jobQueued, jobRunning) {
			continue
		}
		q.metrics.QueueWait(time.Since(j.enqueued))
		q.execute(j)
	}
}

func (q *Queue) next() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	j := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.metrics.QueueDepth(len(q.items))
	return j, true
}

func (q *Queue) execute(j *job) {
	defer close(j.done)
	defer q.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			j.panicked = r
			log.Printf("[queue] panic in queued request: %v\n%s", r, debug.Stack())
		}
	}()
	j.fn(j.ctx)
}

// Middleware runs each request through q. Requests arriving after Stop get
// 503; a panicking handler gets 500 unless it already wrote a response.
func (q *Queue) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		err := q.Do(r.Context(), func(ctx context.Context) {
			next.ServeHTTP(tw, r.WithContext(ctx))
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrStopped):
			writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		case r.Context().Err() != nil:
			// Client went away while queued.
		default:
			if !tw.wrote {
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.wrote = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.wrote = true
	return tw.ResponseWriter.Write(b)
}

func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
