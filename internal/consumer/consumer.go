// Package consumer implements the polling loop that drives message
// consumption: it pulls batches from the source, fans them out to the
// dispatcher under bounded concurrency, keeps long-running handlers
// visible, and routes each outcome back to the queue.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"widgetconsumer/internal/observability/metrics"
	"widgetconsumer/internal/sink"
	"widgetconsumer/internal/source"
)

// State is the consumer loop's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Processor handles one decoded message. The dispatcher satisfies this.
type Processor interface {
	Process(ctx context.Context, msg source.Message) sink.Outcome
}

// Config contains the tunables for one consumer loop. It is immutable for
// the lifetime of the process.
type Config struct {
	// BatchSize is the maximum number of messages per receive call.
	BatchSize int

	// MaxConcurrency bounds the number of in-flight handlers.
	MaxConcurrency int

	// VisibilityTimeoutSeconds is the visibility window the watchdog keeps
	// extending while a handler runs.
	VisibilityTimeoutSeconds int

	// MaxAttempts is the delivery count at which retryable failures are
	// escalated to the dead-letter path.
	MaxAttempts int

	// PollIntervalOnEmpty is how long to wait after an empty receive
	// before polling again.
	PollIntervalOnEmpty time.Duration

	// RetryDelaySeconds is the redelivery delay applied when a message is
	// released after a retryable failure.
	RetryDelaySeconds int

	// HandlerTimeout is the hard per-message deadline. A handler still
	// running at the deadline is abandoned and its message left for
	// redelivery.
	HandlerTimeout time.Duration

	// ShutdownGrace is how long draining waits for in-flight handlers
	// before abandoning them.
	ShutdownGrace time.Duration
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.VisibilityTimeoutSeconds <= 0 {
		return fmt.Errorf("visibility timeout must be positive, got %d", c.VisibilityTimeoutSeconds)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.PollIntervalOnEmpty <= 0 {
		return fmt.Errorf("poll interval on empty must be positive, got %s", c.PollIntervalOnEmpty)
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("handler timeout must be positive, got %s", c.HandlerTimeout)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must not be negative, got %s", c.ShutdownGrace)
	}
	return nil
}

// Loop is the consumer state machine.
type Loop struct {
	src     source.MessageSource
	proc    Processor
	cfg     Config
	metrics *metrics.Metrics
	logger  *logrus.Entry

	state    atomic.Int32
	inFlight atomic.Int64

	// handlersCtx outlives the polling context so draining handlers can
	// finish their storage calls; it is canceled when the grace period
	// expires.
	handlersCtx    context.Context
	cancelHandlers context.CancelFunc
}

// New creates a consumer loop. The configuration is validated here so a
// misconfigured process dies before it ever polls.
func New(src source.MessageSource, proc Processor, cfg Config, rec *metrics.Metrics) (*Loop, error) {
	if src == nil {
		return nil, errors.New("message source is required")
	}
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}
	handlersCtx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		src:            src,
		proc:           proc,
		cfg:            cfg,
		metrics:        rec,
		handlersCtx:    handlersCtx,
		cancelHandlers: cancel,
		logger: logrus.WithFields(logrus.Fields{
			"component":   "consumer",
			"consumer_id": uuid.New().String(),
		}),
	}
	l.state.Store(int32(StateIdle))
	return l, nil
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// InFlight returns the number of messages currently being handled.
func (l *Loop) InFlight() int {
	return int(l.inFlight.Load())
}

// Run polls until ctx is canceled or the source fails fatally. A canceled
// ctx drains in-flight handlers and returns nil; a fatal source error
// drains and returns the error so the process can exit non-zero.
func (l *Loop) Run(ctx context.Context) error {
	defer l.cancelHandlers()
	defer l.state.Store(int32(StateStopped))

	l.logger.WithFields(logrus.Fields{
		"batch_size":      l.cfg.BatchSize,
		"max_concurrency": l.cfg.MaxConcurrency,
		"max_attempts":    l.cfg.MaxAttempts,
	}).Info("Consumer started")

	sem := make(chan struct{}, l.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			return l.drain(&wg, nil)
		}

		l.state.Store(int32(StatePolling))
		batch, err := l.src.ReceiveBatch(ctx, l.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return l.drain(&wg, nil)
			}
			l.logger.WithError(err).Error("Receive failed after retries, stopping")
			return l.drain(&wg, err)
		}

		l.metrics.ObserveReceived(len(batch))
		if len(batch) == 0 {
			select {
			case <-time.After(l.cfg.PollIntervalOnEmpty):
			case <-ctx.Done():
			}
			continue
		}

		l.state.Store(int32(StateDispatching))
		var batchWG sync.WaitGroup
		for _, msg := range batch {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Messages never dispatched stay invisible until their
				// window lapses and are then redelivered.
				batchWG.Wait()
				return l.drain(&wg, nil)
			}

			wg.Add(1)
			batchWG.Add(1)
			go func(m source.Message) {
				defer func() {
					<-sem
					batchWG.Done()
					wg.Done()
				}()
				l.handle(m)
			}(msg)
		}
		batchWG.Wait()
	}
}

// drain waits for in-flight handlers up to the shutdown grace period, then
// abandons them. Abandoned messages are left unacknowledged and will be
// redelivered.
func (l *Loop) drain(wg *sync.WaitGroup, runErr error) error {
	l.state.Store(int32(StateDraining))
	l.logger.WithField("in_flight", l.InFlight()).Info("Draining in-flight handlers")

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		l.logger.Info("Consumer stopped cleanly")
	case <-time.After(l.cfg.ShutdownGrace):
		l.cancelHandlers()
		l.logger.WithField("in_flight", l.InFlight()).
			Warn("Shutdown grace expired, abandoning in-flight handlers")
	}
	return runErr
}

// handle runs one message through the dispatcher under the visibility
// watchdog and routes the outcome.
func (l *Loop) handle(msg source.Message) {
	l.inFlight.Add(1)
	l.metrics.AddInFlight(1)
	defer func() {
		l.inFlight.Add(-1)
		l.metrics.AddInFlight(-1)
	}()

	hctx, cancel := context.WithTimeout(l.handlersCtx, l.cfg.HandlerTimeout)
	defer cancel()

	var stale atomic.Bool
	stopWatchdog := l.startWatchdog(hctx, msg, cancel, &stale)

	start := time.Now()
	outcome := l.proc.Process(hctx, msg)
	stopWatchdog()
	l.metrics.ObserveHandlerDuration(time.Since(start))

	if stale.Load() {
		// The visibility window lapsed while we were working: the queue
		// owns this message again and another consumer may already be
		// processing it. Drop local handling.
		l.metrics.ObserveStaleHandle()
		l.logger.WithField("message_id", msg.ID).Debug("Dropped stale delivery")
		return
	}

	if hctx.Err() != nil && outcome.Status == sink.Success {
		// Do not trust a success reported after the handler deadline; the
		// message stays unacknowledged and redelivery sorts it out.
		outcome = sink.Retryable("handler_timeout", hctx.Err())
	}

	l.route(msg, outcome)
}

// startWatchdog keeps extending the message's visibility window until the
// handler finishes or the hard deadline cancels it. The returned stop
// function is idempotent.
func (l *Loop) startWatchdog(ctx context.Context, msg source.Message, cancelHandler context.CancelFunc, stale *atomic.Bool) func() {
	interval := time.Duration(l.cfg.VisibilityTimeoutSeconds) * time.Second / 2
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := l.src.ExtendVisibility(ctx, msg, l.cfg.VisibilityTimeoutSeconds)
				if err == nil {
					l.metrics.ObserveVisibilityExtension()
					continue
				}
				if errors.Is(err, source.ErrStaleHandle) {
					stale.Store(true)
					cancelHandler()
					return
				}
				l.logger.WithError(err).WithField("message_id", msg.ID).
					Warn("Failed to extend visibility")
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// route applies the outcome: acknowledge on success, release for retry
// while attempts remain, dead-letter otherwise. Routing uses its own
// context so a completed handler's result is never lost to the handler
// deadline.
func (l *Loop) route(msg source.Message, outcome sink.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry := l.logger.WithFields(logrus.Fields{
		"message_id":     msg.ID,
		"delivery_count": msg.DeliveryCount,
		"outcome":        outcome.Status.String(),
	})
	if outcome.Reason != "" {
		entry = entry.WithField("reason", outcome.Reason)
	}

	switch outcome.Status {
	case sink.Success:
		if err := l.src.Acknowledge(ctx, msg); err != nil {
			l.handleRouteError(entry, "acknowledge", err)
			return
		}
		l.metrics.ObserveAcknowledged()
		entry.Info("Acknowledged message")

	case sink.RetryableFailure:
		if msg.DeliveryCount >= l.cfg.MaxAttempts {
			l.deadLetter(ctx, entry, msg, "max_attempts_exhausted")
			return
		}
		if err := l.src.Release(ctx, msg, l.cfg.RetryDelaySeconds); err != nil {
			l.handleRouteError(entry, "release", err)
			return
		}
		l.metrics.ObserveReleased()
		entry.WithError(outcome.Err).Info("Released message for retry")

	case sink.PermanentFailure:
		reason := outcome.Reason
		if reason == "" {
			reason = "permanent_failure"
		}
		entry = entry.WithError(outcome.Err)
		l.deadLetter(ctx, entry, msg, reason)
	}
}

func (l *Loop) deadLetter(ctx context.Context, entry *logrus.Entry, msg source.Message, reason string) {
	if err := l.src.DeadLetter(ctx, msg); err != nil {
		l.handleRouteError(entry, "dead-letter", err)
		return
	}
	l.metrics.ObserveDeadLettered(reason)
	entry.WithField("reason", reason).Warn("Dead-lettered message")
}

func (l *Loop) handleRouteError(entry *logrus.Entry, op string, err error) {
	if errors.Is(err, source.ErrStaleHandle) {
		// Already redelivered elsewhere; nothing left to do locally.
		l.metrics.ObserveStaleHandle()
		entry.WithField("op", op).Debug("Receipt handle went stale during routing")
		return
	}
	// Leaving the message unrouted is safe: the visibility window lapses
	// and the queue redelivers.
	entry.WithError(err).WithField("op", op).Error("Failed to route message outcome")
}
