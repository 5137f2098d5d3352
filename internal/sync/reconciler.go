package sync

import (
	"context"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/handshake"
	"github.com/matheus3301/port/internal/outbox"
	"github.com/matheus3301/port/internal/ports"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// CheckpointLastRun records when the last reconcile pass finished, in unix
// milliseconds.
const CheckpointLastRun = "last_reconcile"

// Task is one independent unit of a reconcile pass.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the outcome of one task.
type Result struct {
	Task     string
	Err      error
	Duration time.Duration
}

// Report is the outcome of one reconcile pass.
type Report struct {
	Results  []Result
	Started  time.Time
	Duration time.Duration
}

// Failed returns the names of the tasks that failed.
func (r *Report) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if res.Err != nil {
			names = append(names, res.Task)
		}
	}
	return names
}

// Options configures the reconciler timers.
type Options struct {
	// Interval between timed passes; zero disables the timer.
	Interval time.Duration
	// Debounce collapses triggers fired within the window into one pass.
	Debounce time.Duration
}

// Reconciler ties the background work together: pulling, sending, port
// cleanup, read-port retry, handshake retry and the expiry sweeps. Every
// task runs concurrently and fails independently.
type Reconciler struct {
	db     *store.DB
	tasks  []Task
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	group  singleflight.Group

	mu      gosync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pending bool
	done    chan struct{}
}

// NewReconciler creates a reconciler running tasks on every pass.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger, opts Options, tasks ...Task) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, tasks: tasks, bus: b, logger: logger, opts: opts}
}

// DefaultTasks returns the standard pass over the message pipeline and the
// port lifecycle.
func DefaultTasks(db *store.DB, e *Engine, s *outbox.Sender, m *ports.Manager, c *ports.Consumer, hs *handshake.Protocol) []Task {
	return []Task{
		{Name: "pull", Run: func(ctx context.Context) error {
			_, err := e.Pull(ctx)
			return err
		}},
		{Name: "send", Run: func(ctx context.Context) error {
			_, err := s.Flush(ctx)
			return err
		}},
		{Name: "ports", Run: func(ctx context.Context) error {
			_, err := m.CleanUpPorts()
			return err
		}},
		{Name: "read_ports", Run: c.ProcessReadPorts},
		{Name: "contact_ports", Run: m.ProcessContactPorts},
		{Name: "handshakes", Run: func(ctx context.Context) error {
			return RetryHandshakes(ctx, db, hs)
		}},
		{Name: "expire", Run: func(ctx context.Context) error {
			_, err := e.SweepExpired()
			return err
		}},
		{Name: "expire_group", Run: func(ctx context.Context) error {
			_, err := e.SweepExpiredGroup()
			return err
		}},
	}
}

// RetryHandshakes journals InitialInfo again on pending chats whose copy
// is no longer queued.
func RetryHandshakes(ctx context.Context, db *store.DB, hs *handshake.Protocol) error {
	pending, err := db.ListPending()
	if err != nil {
		return err
	}
	var errs error
	for _, c := range pending {
		errs = multierr.Append(errs, hs.RetryInitialInfo(ctx, c.ChatID))
	}
	return errs
}

// Run executes one pass. Each task runs in its own goroutine; a failing
// task does not stop the others and the errors are combined.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{Started: time.Now(), Results: make([]Result, len(r.tasks))}
	var g errgroup.Group
	for i, t := range r.tasks {
		g.Go(func() error {
			start := time.Now()
			err := t.Run(ctx)
			report.Results[i] = Result{Task: t.Name, Err: err, Duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()
	report.Duration = time.Since(report.Started)

	var errs error
	for _, res := range report.Results {
		if res.Err != nil {
			r.logger.Warn("reconcile task failed", zap.String("task", res.Task), zap.Error(res.Err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", res.Task, res.Err))
		}
	}
	done := report.Started.Add(report.Duration).UnixMilli()
	errs = multierr.Append(errs, r.db.SetCheckpoint(CheckpointLastRun, strconv.FormatInt(done, 10)))

	r.logger.Debug("reconcile finished",
		zap.Duration("duration", report.Duration),
		zap.Strings("failed", report.Failed()))
	r.bus.Emit(bus.ReconcileFinish, report)
	return report, errs
}

// RunShared runs a pass, joining the one already in flight if any.
func (r *Reconciler) RunShared(ctx context.Context) (*Report, error) {
	v, err, _ := r.group.Do("reconcile", func() (any, error) {
		return r.Run(ctx)
	})
	report, _ := v.(*Report)
	return report, err
}

// Trigger schedules a pass after the debounce window. Triggers arriving
// while one is scheduled are absorbed by it. Before Start, Trigger does
// nothing.
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil || r.pending {
		return
	}
	r.pending = true
	ctx := r.ctx
	time.AfterFunc(r.opts.Debounce, func() {
		r.mu.Lock()
		r.pending = false
		r.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := r.RunShared(ctx); err != nil {
			r.logger.Debug("triggered reconcile had failures", zap.Error(err))
		}
	})
}

// Start runs a pass immediately and then on every interval until Stop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ctx = r.ctx
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		var tick <-chan time.Time
		if r.opts.Interval > 0 {
			t := time.NewTicker(r.opts.Interval)
			defer t.Stop()
			tick = t.C
		}
		for {
			if _, err := r.RunShared(ctx); err != nil {
				r.logger.Debug("reconcile had failures", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		}
	}()
}

// Stop cancels the timer loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// LastRun returns when the last pass finished, or the zero time.
func (r *Reconciler) LastRun() (time.Time, error) {
	v, err := r.db.GetCheckpoint(CheckpointLastRun)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint %s: %w", CheckpointLastRun, err)
	}
	return time.UnixMilli(ms), nil
}
