// Package outbound paces replies to chat users through a single FIFO worker.
//
// Every send waits a randomized delay measured from the previous successful
// send, plus a short jitter between back-to-back items, so the account does
// not look automated to the messaging network.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/RizDevStudio/bot/internal/models"
	"github.com/RizDevStudio/bot/internal/util"
)

// Default pacing values.
const (
	DefaultMinDelay      = 15 * time.Second
	DefaultMaxDelay      = 25 * time.Second
	DefaultMinGap        = 1 * time.Second
	DefaultMaxGap        = 4 * time.Second
	DefaultRatePerMinute = 0.0
)

// ErrQueueClosed is reported for jobs that were never attempted because the
// queue stopped.
var ErrQueueClosed = errors.New("outbound queue closed")

// SendFunc performs the actual delivery of one message.
type SendFunc func(ctx context.Context, to, body string) error

type pending struct {
	job  models.OutboundJob
	done chan error
}

// Queue is a single-consumer FIFO of outbound jobs.
type Queue struct {
	send SendFunc

	minDelay, maxDelay time.Duration
	minGap, maxGap     time.Duration
	limiter            *rate.Limiter

	mu       sync.Mutex
	items    []pending
	closed   bool
	lastSend time.Time
	sent     int
	failed   int

	wake chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithDelay sets the randomized spacing between successful sends.
func WithDelay(min, max time.Duration) Option {
	return func(q *Queue) {
		q.minDelay, q.maxDelay = min, max
	}
}

// WithGap sets the extra jitter applied when more items are waiting.
func WithGap(min, max time.Duration) Option {
	return func(q *Queue) {
		q.minGap, q.maxGap = min, max
	}
}

// WithRatePerMinute sets a hard ceiling on sends. Zero disables the limiter.
func WithRatePerMinute(n float64) Option {
	return func(q *Queue) {
		if n <= 0 {
			q.limiter = nil
			return
		}
		q.limiter = rate.NewLimiter(rate.Limit(n/60.0), 1)
	}
}

// NewQueue creates a Queue that delivers through send.
func NewQueue(send SendFunc, opts ...Option) *Queue {
	q := &Queue{
		send:     send,
		minDelay: DefaultMinDelay,
		maxDelay: DefaultMaxDelay,
		minGap:   DefaultMinGap,
		maxGap:   DefaultMaxGap,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.maxDelay < q.minDelay {
		q.maxDelay = q.minDelay
	}
	if q.maxGap < q.minGap {
		q.maxGap = q.minGap
	}
	return q
}

// Enqueue appends a job and returns a channel that receives exactly one value:
// nil once the message was sent, or the error that made the job fail.
func (q *Queue) Enqueue(target, payload string) <-chan error {
	done := make(chan error, 1)
	job := models.OutboundJob{
		ID:         util.GenerateJobID(),
		Target:     target,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrQueueClosed
		return done
	}
	q.items = append(q.items, pending{job: job, done: done})
	depth := len(q.items)
	q.mu.Unlock()

	slog.Debug("Queue.Enqueue: job queued", "id", job.ID, "to", target, "depth", depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return done
}

// Len returns the number of jobs waiting to be sent.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns the number of sent and failed jobs so far.
func (q *Queue) Stats() (sent, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent, q.failed
}

// Run consumes jobs until ctx is cancelled. Jobs still queued at that point
// are failed with ErrQueueClosed. Run must only be called once.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("Queue.Run: starting outbound worker",
		"minDelay", q.minDelay, "maxDelay", q.maxDelay, "minGap", q.minGap, "maxGap", q.maxGap)
	defer q.shutdown()

	for {
		p, ok := q.next(ctx)
		if !ok {
			slog.Info("Queue.Run: stopping")
			return
		}

		err := q.deliver(ctx, p.job)
		p.done <- err

		if q.Len() > 0 {
			if err := sleepCtx(ctx, util.RandomDuration(q.minGap, q.maxGap)); err != nil {
				slog.Info("Queue.Run: stopping")
				return
			}
		}
	}
}

// next blocks until a job is available or ctx is done.
func (q *Queue) next(ctx context.Context) (pending, bool) {
	for {
		if ctx.Err() != nil {
			return pending{}, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = pending{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return pending{}, false
		case <-q.wake:
		}
	}
}

func (q *Queue) deliver(ctx context.Context, job models.OutboundJob) error {
	q.mu.Lock()
	last := q.lastSend
	q.mu.Unlock()

	delay := util.RandomDuration(q.minDelay, q.maxDelay)
	if !last.IsZero() {
		if wait := delay - time.Since(last); wait > 0 {
			slog.Debug("Queue.deliver: pacing", "id", job.ID, "wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return q.fail(job, err)
			}
		}
	}
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return q.fail(job, err)
		}
	}

	if err := q.send(ctx, job.Target, job.Payload); err != nil {
		return q.fail(job, err)
	}

	q.mu.Lock()
	q.lastSend = time.Now()
	q.sent++
	q.mu.Unlock()
	slog.Info("Queue.deliver: message sent", "id", job.ID, "to", job.Target, "queuedFor", time.Since(job.EnqueuedAt).Round(time.Millisecond))
	return nil
}

func (q *Queue) fail(job models.OutboundJob, err error) error {
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	slog.Error("Queue.deliver: send failed, dropping job", "id", job.ID, "to", job.Target, "error", err)
	return fmt.Errorf("send %s to %s: %w", job.ID, job.Target, err)
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.mu.Unlock()

	for _, p := range rest {
		p.done <- ErrQueueClosed
	}
	if len(rest) > 0 {
		slog.Warn("Queue.shutdown: dropped unsent jobs", "count", len(rest))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
