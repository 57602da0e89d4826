package workitem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	OutcomeDone        = "done"
	OutcomeRetry       = "retry"
	OutcomeDead        = "dead"
	OutcomeUnknownKind = "unknown_kind"
)

const (
	defaultMaxAttempts  = 8
	defaultRetryCap     = 5 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
	defaultLeaseTTL     = 2 * time.Minute
)

// HandlerFunc processes one raw work item payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Dispatcher claims due work items and runs the handler registered for
// their kind. Failed items are retried with exponential backoff and marked
// dead after MaxAttempts.
type Dispatcher struct {
	Store          Store
	Logger         *slog.Logger
	Concurrency    int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	MaxAttempts    int
	RetryCap       time.Duration
	HandlerTimeout time.Duration
	ObserveOutcome func(kind Kind, outcome string)

	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Handle registers a typed handler for kind on d.
func Handle[T any](d *Dispatcher, kind Kind, fn func(ctx context.Context, item T) error) {
	d.Register(kind, func(ctx context.Context, payload []byte) error {
		var item T
		if err := json.Unmarshal(payload, &item); err != nil {
			return &permanentError{err: fmt.Errorf("decode %s: %w", kind, err)}
		}
		return fn(ctx, item)
	})
}

func (d *Dispatcher) Register(kind Kind, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[Kind]HandlerFunc)
	}
	d.handlers[kind] = fn
}

// Start spawns worker goroutines. Call Drain to stop them gracefully.
func (d *Dispatcher) Start() {
	if d.Store == nil {
		return
	}
	concurrency := d.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	d.stopCh = make(chan struct{})
	for range concurrency {
		d.wg.Add(1)
		go d.run()
	}
}

// Drain signals the workers to stop claiming new items and waits for
// in-flight handlers. It returns false if the timeout expired first.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	if d.stopCh == nil {
		return true
	}
	d.stopOnce.Do(func() { close(d.stopCh) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	poll := d.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		worked, err := d.RunOnce(context.Background())
		if err != nil {
			d.logger().Warn("workitem_claim_failed", slog.Any("err", err))
		}
		if worked {
			continue
		}
		select {
		case <-d.stopCh:
			return
		case <-time.After(poll):
		}
	}
}

// RunOnce claims and processes at most one due item. It reports whether an
// item was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	leaseTTL := d.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	it, err := d.Store.Claim(ctx, leaseTTL)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, nil
	}
	d.process(ctx, *it)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, it Item) {
	logger := d.logger()

	d.mu.RLock()
	fn := d.handlers[it.Kind]
	d.mu.RUnlock()
	if fn == nil {
		d.observe(it.Kind, OutcomeUnknownKind)
		if err := d.Store.Dead(ctx, it.LeaseID, "no handler for kind"); err != nil {
			logger.Warn("workitem_mark_dead_failed", slog.String("id", it.ID), slog.Any("err", err))
		}
		return
	}

	hctx := ctx
	if d.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.HandlerTimeout)
		defer cancel()
	}
	err := safeCall(hctx, fn, it.Payload)
	if err == nil {
		d.observe(it.Kind, OutcomeDone)
		if err := d.Store.Done(ctx, it.LeaseID); err != nil && !errors.Is(err, ErrLeaseNotFound) {
			logger.Warn("workitem_done_failed", slog.String("id", it.ID), slog.Any("err", err))
		}
		return
	}

	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	attempt := it.Attempt + 1
	var perm *permanentError
	if errors.As(err, &perm) || attempt >= maxAttempts {
		d.observe(it.Kind, OutcomeDead)
		logger.Error("workitem_dead",
			slog.String("id", it.ID),
			slog.String("kind", string(it.Kind)),
			slog.Int("attempt", attempt),
			slog.Any("err", err),
		)
		if err := d.Store.Dead(ctx, it.LeaseID, err.Error()); err != nil && !errors.Is(err, ErrLeaseNotFound) {
			logger.Warn("workitem_mark_dead_failed", slog.String("id", it.ID), slog.Any("err", err))
		}
		return
	}

	delay := retryDelay(attempt, d.RetryCap)
	d.observe(it.Kind, OutcomeRetry)
	logger.Warn("workitem_retry",
		slog.String("id", it.ID),
		slog.String("kind", string(it.Kind)),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("err", err),
	)
	if err := d.Store.Retry(ctx, it.LeaseID, delay, err.Error()); err != nil && !errors.Is(err, ErrLeaseNotFound) {
		logger.Warn("workitem_retry_failed", slog.String("id", it.ID), slog.Any("err", err))
	}
}

func (d *Dispatcher) observe(kind Kind, outcome string) {
	if d.ObserveOutcome != nil {
		d.ObserveOutcome(kind, outcome)
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func safeCall(ctx context.Context, fn HandlerFunc, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, payload)
}

// retryDelay is min(2^attempt seconds, cap).
func retryDelay(attempt int, capDelay time.Duration) time.Duration {
	if capDelay <= 0 {
		capDelay = defaultRetryCap
	}
	delay := float64(time.Second) * math.Pow(2, float64(attempt))
	if delay > float64(capDelay) {
		return capDelay
	}
	return time.Duration(delay)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
