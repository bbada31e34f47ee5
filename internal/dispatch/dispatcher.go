package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recheckstack/recheck/internal/metrics"
	"github.com/recheckstack/recheck/internal/models"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("dispatch: queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("dispatch: dispatcher stopped")
)

// Decider produces a recheck decision for one run.
type Decider interface {
	Decide(ctx context.Context, run models.RunDescriptor) (models.RecheckDecision, error)
}

// Sink receives decisions worth reporting.
type Sink interface {
	Name() string
	Report(ctx context.Context, run models.RunDescriptor, decision models.RecheckDecision) error
}

// Config sizes the worker pool.
type Config struct {
	// Workers is the number of concurrent decisions. Default: 4.
	Workers int
	// QueueSize bounds runs waiting for a worker. Default: 256.
	QueueSize int
	// TaskTimeout bounds a single decision plus its reports. Zero disables it.
	TaskTimeout time.Duration
	// NotifyUncategorized also reports runs that matched no fingerprint.
	// Indeterminate decisions are only logged.
	NotifyUncategorized bool
}

// Dispatcher classifies submitted runs on a bounded pool of workers and
// hands each decision to its sinks.
type Dispatcher struct {
	decider Decider
	sinks   []Sink
	cfg     Config
	logger  *slog.Logger

	mu      sync.RWMutex
	queue   chan models.RunDescriptor
	stopped bool
}

// New constructs a dispatcher. Call Run to start the workers.
func New(decider Decider, cfg Config, logger *slog.Logger, sinks ...Sink) (*Dispatcher, error) {
	if decider == nil {
		return nil, fmt.Errorf("decider not configured")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		decider: decider,
		sinks:   sinks,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan models.RunDescriptor, cfg.QueueSize),
	}, nil
}

// Submit enqueues run without blocking.
func (d *Dispatcher) Submit(run models.RunDescriptor) error {
	if err := run.Validate(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- run:
		metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued runs.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stop refuses further submissions. Workers finish the queued runs and Run
// returns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.queue)
}

// Run processes the queue until Stop drains it or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case run, ok := <-d.queue:
					if !ok {
						return nil
					}
					metrics.SetQueueDepth(len(d.queue))
					d.process(ctx, run)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) process(ctx context.Context, run models.RunDescriptor) {
	if d.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TaskTimeout)
		defer cancel()
	}

	decision, err := d.decider.Decide(ctx, run)
	if err != nil {
		d.logger.Error("decide failed", slog.String("run", run.RunID), slog.Any("error", err))
		return
	}
	if !d.reportable(decision) {
		return
	}
	for _, sink := range d.sinks {
		if err := sink.Report(ctx, run, decision); err != nil {
			d.logger.Warn("report failed",
				slog.String("sink", sink.Name()),
				slog.String("run", run.RunID),
				slog.Any("error", err),
			)
		}
	}
}

func (d *Dispatcher) reportable(decision models.RecheckDecision) bool {
	switch decision.Kind {
	case models.KnownBug:
		return true
	case models.Uncategorized:
		return d.cfg.NotifyUncategorized
	}
	return false
}
