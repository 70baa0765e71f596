package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// Dispatcher owns the periodic claim loop. At most one item is processed at a
// time, whether it came from a tick, RunOnce or RunItem.
type Dispatcher struct {
	Engine Engine

	mu        sync.Mutex
	running   bool
	inFlight  bool
	interval  time.Duration
	owner     string
	stop      chan struct{}
	done      chan struct{}
	lastTick  time.Time
	lastError string
	processed int64
}

// Status is the control surface snapshot.
type Status struct {
	Running             bool   `json:"running"`
	InFlight            bool   `json:"in_flight"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	OwnerID             string `json:"owner_id"`
	LastTickAt          string `json:"last_tick_at,omitempty" format:"date-time"`
	LastError           string `json:"last_error,omitempty"`
	Processed           int64  `json:"processed"`
}

func NewDispatcher(e Engine) *Dispatcher {
	interval := e.Config.PollInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	owner := e.Config.Dispatcher.OwnerID
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return &Dispatcher{Engine: e, interval: interval, owner: owner}
}

// SetInterval changes the poll interval. A running loop picks it up on its
// next tick.
func (d *Dispatcher) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	d.interval = interval
	d.mu.Unlock()
}

// Start launches the periodic loop. The loop runs until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(ctx, d.stop, d.done)
	d.Engine.logger().Info("dispatcher started", "owner", d.owner, "poll_interval", d.interval.String())
	return nil
}

// Stop halts the loop. An item already in flight finishes its current stage
// sequence first; Stop does not wait for it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	close(d.stop)
	d.running = false
	d.Engine.logger().Info("dispatcher stopped", "owner", d.owner)
}

// Run starts the loop and blocks until ctx is done, then waits for the loop
// to exit.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	<-ctx.Done()
	d.Stop()
	<-done
	return nil
}

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		Running:             d.running,
		InFlight:            d.inFlight,
		PollIntervalSeconds: int(d.interval / time.Second),
		OwnerID:             d.owner,
		LastError:           d.lastError,
		Processed:           d.processed,
	}
	if !d.lastTick.IsZero() {
		s.LastTickAt = d.lastTick.UTC().Format(time.RFC3339)
	}
	return s
}

func (d *Dispatcher) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		d.tick(ctx)
		d.mu.Lock()
		interval := d.interval
		d.mu.Unlock()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.mu.Lock()
			if d.stop == stop {
				d.running = false
			}
			d.mu.Unlock()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick claims and processes at most one item. Nothing escapes it: errors and
// panics become dispatcher_tick_failed events.
func (d *Dispatcher) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.tickFailed(ctx, fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()
	_, err := d.RunOnce(ctx)
	d.mu.Lock()
	d.lastTick = d.Engine.now()
	d.mu.Unlock()
	if err != nil && !errors.Is(err, ErrBusy) {
		stack := ""
		var pe *panicError
		if errors.As(err, &pe) {
			stack = pe.stack
		}
		d.tickFailed(ctx, err, stack)
	}
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func (d *Dispatcher) tickFailed(ctx context.Context, err error, stack string) {
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
	payload := events.EventPayload{"error": err.Error(), "owner": d.owner}
	if stack != "" {
		payload["stack"] = stack
	}
	d.Engine.logger().Error("dispatcher tick failed", "error", err)
	d.Engine.event(context.WithoutCancel(ctx), "dispatcher_tick_failed", "dispatcher", d.owner, payload)
}

func (d *Dispatcher) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return false
	}
	d.inFlight = true
	return true
}

func (d *Dispatcher) release(processed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
	if processed {
		d.processed++
	}
}

func (d *Dispatcher) lease() (string, string) {
	now := d.Engine.now().UTC()
	return now.Format(time.RFC3339), now.Add(d.Engine.Config.LeaseDuration()).Format(time.RFC3339)
}

// RunOnce claims the next eligible item and processes it. It returns nil and
// no error when nothing is claimable, and ErrBusy when an item is in flight.
func (d *Dispatcher) RunOnce(ctx context.Context) (*Outcome, error) {
	if !d.acquire() {
		return nil, ErrBusy
	}
	processed := false
	defer func() { d.release(processed) }()

	now, expires := d.lease()
	item, err := d.Engine.Repo.ClaimNext(ctx, d.owner, now, expires)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	defer d.releaseLease(ctx, item.ID)
	out, err := d.process(ctx, item)
	processed = true
	return &out, err
}

// RunItem processes one item by id under the same in-flight guard as the
// loop. Completed items and items waiting on a blocking finding are refused.
func (d *Dispatcher) RunItem(ctx context.Context, id int64) (Outcome, error) {
	if !d.acquire() {
		return Outcome{}, ErrBusy
	}
	processed := false
	defer func() { d.release(processed) }()

	current, err := d.Engine.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := d.runnable(ctx, current); err != nil {
		return Outcome{Item: current}, err
	}
	now, expires := d.lease()
	item, err := d.Engine.Repo.ClaimByID(ctx, id, d.owner, now, expires)
	if err != nil {
		return Outcome{Item: current}, err
	}
	defer d.releaseLease(ctx, item.ID)
	out, err := d.process(ctx, item)
	processed = true
	return out, err
}

// process runs a claimed item. A panic or storage error that escapes
// ProcessItem fails the item while the lease is still held, so it never
// lingers in flight without an owner.
func (d *Dispatcher) process(ctx context.Context, item domain.WorkItem) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
			out = Outcome{Item: item}
		}
		if err != nil && !errors.Is(err, repo.ErrLeaseHeld) {
			out.Item = d.failClaimed(ctx, item.ID, err, out.Item)
		}
	}()
	return d.Engine.ProcessItem(ctx, item)
}

func (d *Dispatcher) failClaimed(ctx context.Context, id int64, cause error, fallback domain.WorkItem) domain.WorkItem {
	ctx = context.WithoutCancel(ctx)
	log := d.Engine.logger().WithItem(id)
	w, err := d.Engine.Repo.GetWorkItem(ctx, id)
	if err != nil {
		log.Error("load item after processing error failed", "error", err)
		return fallback
	}
	switch w.Status {
	case domain.StatusPlanned, domain.StatusExecuting, domain.StatusVerifying:
	default:
		return w
	}
	if err := d.Engine.transition(ctx, &w, domain.StatusFailed, cause.Error()); err != nil {
		log.Error("mark item failed after processing error", "error", err, "cause", cause)
	}
	return w
}

func (d *Dispatcher) runnable(ctx context.Context, w domain.WorkItem) error {
	if w.Status == domain.StatusCompleted {
		return fmt.Errorf("%w: item %d is completed", ErrNotRunnable, w.ID)
	}
	open, err := d.Engine.Repo.HasOpenBlockingFindings(ctx, nil, w.ID)
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("%w: item %d has open blocking findings", ErrNotRunnable, w.ID)
	}
	return nil
}

func (d *Dispatcher) releaseLease(ctx context.Context, id int64) {
	if err := d.Engine.Repo.ReleaseLease(context.WithoutCancel(ctx), id, d.owner); err != nil {
		d.Engine.logger().WithItem(id).Warn("release lease failed", "error", err)
	}
}
