package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultEventName is the event name records are published under.
const DefaultEventName = "event"

// ErrAlreadyRunning is returned by Run when the relay is already running.
var ErrAlreadyRunning = errors.New("relay is already running")

// State is a phase of the relay loop.
type State int32

// Relay states. A relay moves Connecting → Fetching → Publishing ⇄ Marking →
// Sleeping and back to Connecting, and to ShuttingDown once its context is
// cancelled.
const (
	StateIdle State = iota
	StateConnecting
	StateFetching
	StatePublishing
	StateMarking
	StateSleeping
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateFetching:
		return "fetching"
	case StatePublishing:
		return "publishing"
	case StateMarking:
		return "marking"
	case StateSleeping:
		return "sleeping"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RetriesExhaustedError is returned by Run when the row store could not be
// reached after the configured number of consecutive attempts.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d connection attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Relay periodically reads pending detection rows, publishes them and records
// the outcome of every attempt on the row.
type Relay struct {
	store       *Store
	transformer Transformer
	publisher   MessagePublisher
	client      *PublishClient

	interval        time.Duration
	readTimeout     time.Duration
	updateTimeout   time.Duration
	publishTimeout  time.Duration
	connectAttempts int
	connectBackoff  DelayFunc
	event           string

	logger  *slog.Logger
	metrics *Metrics

	running atomic.Bool
	state   atomic.Int32

	// outcomes whose status write failed, retried on the next cycle
	pendingMarks map[string]Outcome
}

// RelayOption is a function that configures a Relay instance.
type RelayOption func(*Relay)

// WithInterval sets the time to sleep between two cycles.
// Default is 30 seconds.
func WithInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		r.interval = interval
	}
}

// WithReadTimeout sets the timeout for reading pending rows.
// Default is 10 seconds.
func WithReadTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.readTimeout = timeout
	}
}

// WithUpdateTimeout sets the timeout for writing the status of a row.
// Default is 10 seconds.
func WithUpdateTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.updateTimeout = timeout
	}
}

// WithPublishTimeout sets the timeout for a single publish attempt.
// Default is 10 seconds.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		r.publishTimeout = timeout
	}
}

// WithConnectAttempts sets how many consecutive connection failures are
// tolerated before Run gives up. Default is 5. Must be positive.
func WithConnectAttempts(attempts int) RelayOption {
	return func(r *Relay) {
		if attempts > 0 {
			r.connectAttempts = attempts
		}
	}
}

// WithConnectBackoff sets the wait between failed connection attempts.
// Default is Fixed(5s).
func WithConnectBackoff(delayFunc DelayFunc) RelayOption {
	return func(r *Relay) {
		if delayFunc != nil {
			r.connectBackoff = delayFunc
		}
	}
}

// WithFixedConnectBackoff waits delay after every failed connection attempt.
func WithFixedConnectBackoff(delay time.Duration) RelayOption {
	return WithConnectBackoff(Fixed(delay))
}

// WithExponentialConnectBackoff doubles the wait after every failed
// connection attempt, starting at initialDelay and capped at maxDelay.
func WithExponentialConnectBackoff(initialDelay, maxDelay time.Duration) RelayOption {
	return WithConnectBackoff(Exponential(initialDelay, maxDelay))
}

// WithEventName sets the event name records are published under.
// Default is DefaultEventName.
func WithEventName(event string) RelayOption {
	return func(r *Relay) {
		if event != "" {
			r.event = event
		}
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics makes the relay record Prometheus metrics.
func WithMetrics(m *Metrics) RelayOption {
	return func(r *Relay) {
		r.metrics = m
	}
}

// NewRelay creates a Relay reading from store and publishing through publisher.
func NewRelay(store *Store, transformer Transformer, publisher MessagePublisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:           store,
		transformer:     transformer,
		publisher:       publisher,
		interval:        30 * time.Second,
		readTimeout:     10 * time.Second,
		updateTimeout:   10 * time.Second,
		publishTimeout:  10 * time.Second,
		connectAttempts: 5,
		connectBackoff:  Fixed(5 * time.Second),
		event:           DefaultEventName,
		logger:          slog.Default(),
		pendingMarks:    make(map[string]Outcome),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.client = NewPublishClient(r.publisher, r.event, r.publishTimeout)

	return r
}

// State returns the current phase of the relay loop.
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	if prev := State(r.state.Swap(int32(s))); prev != s {
		r.logger.Debug("relay state changed", "from", prev, "to", s)
	}
}

// Run processes cycles until ctx is cancelled or the row store cannot be
// reached. It returns nil after a cancellation and a *RetriesExhaustedError
// when the connection attempts are used up.
//
// Cancellation stops the relay before the next row; a row that was published
// but whose status could not be written yet is published again on the next
// start.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	for {
		conn, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.shutdown()
				return nil
			}
			r.setState(StateShuttingDown)
			return err
		}

		stats := r.runCycle(ctx, conn)
		if ctx.Err() != nil {
			r.shutdown()
			return nil
		}

		r.setState(StateSleeping)
		r.logger.Info(fmt.Sprintf("Published %d of %d rows, waiting %s", stats.published, stats.total, r.interval),
			"published", stats.published,
			"failed", stats.failed,
			"skipped", stats.skipped,
			"pending_marks", len(r.pendingMarks))

		if !sleep(ctx, r.interval) {
			r.shutdown()
			return nil
		}
	}
}

// connect opens a connection, retrying with backoff. The failure counter is
// local to one connect phase.
func (r *Relay) connect(ctx context.Context) (Conn, error) {
	r.setState(StateConnecting)

	var failures int
	for {
		conn, err := r.store.Open(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		failures++
		r.metrics.connectFailed()
		if failures >= r.connectAttempts {
			r.logger.Error("giving up connecting to row store", "attempts", failures, "err", err)
			return nil, &RetriesExhaustedError{Attempts: failures, Err: err}
		}

		delay := r.connectBackoff(failures - 1)
		r.logger.Warn(fmt.Sprintf("Connection retry %d/%d, waiting %s", failures, r.connectAttempts, delay), "err", err)
		if !sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

type cycleStats struct {
	total     int
	published int
	failed    int
	skipped   int
}

func (r *Relay) runCycle(ctx context.Context, conn Conn) cycleStats {
	start := time.Now()
	logger := r.logger.With("cycle", uuid.NewString())

	r.setState(StateFetching)
	readCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
	rows, err := r.store.FetchPending(readCtx, conn)
	cancel()
	if err != nil {
		logger.Error("failed to read pending rows", "err", err)
		return cycleStats{}
	}

	r.forgetSettledMarks(rows)

	stats := cycleStats{total: len(rows)}
	r.metrics.fetched(stats.total)
	logger.Info(fmt.Sprintf("%d rows found to process", stats.total), "rows", stats.total)

	for i, row := range rows {
		if ctx.Err() != nil {
			break
		}

		switch r.handleRow(ctx, logger.With("row", row.ID), i+1, stats.total, row) {
		case rowPublished:
			stats.published++
		case rowFailed:
			stats.failed++
		case rowSkipped:
			stats.skipped++
		}
	}

	r.metrics.cycleCompleted(time.Since(start).Seconds())
	return stats
}

type rowResult int

const (
	rowPublished rowResult = iota
	rowFailed
	rowSkipped
)

func (r *Relay) handleRow(ctx context.Context, logger *slog.Logger, n, total int, row DetectionRow) rowResult {
	// published in an earlier cycle, only the status write is missing
	if outcome, ok := r.pendingMarks[row.ID]; ok && outcome == OutcomePublished {
		r.setState(StateMarking)
		r.mark(ctx, logger, row.ID, OutcomePublished)
		logger.Info(fmt.Sprintf("%d/%d Published", n, total), "retried_mark", true)
		return rowPublished
	}

	r.setState(StatePublishing)
	rec, err := r.transformer.ToPublishRecord(row)
	if err != nil {
		r.metrics.malformed()
		logger.Warn(fmt.Sprintf("%d/%d Skipped", n, total), "err", err)
		return rowSkipped
	}

	res := r.client.Publish(ctx, &rec)
	r.metrics.published(res.Success)

	outcome := OutcomeReset
	result := rowFailed
	if res.Success {
		outcome = OutcomePublished
		result = rowPublished
		logger.Info(fmt.Sprintf("%d/%d Published", n, total))
	} else {
		logger.Warn(fmt.Sprintf("%d/%d Not published", n, total), "err", res.Err)
	}

	r.setState(StateMarking)
	r.mark(ctx, logger, row.ID, outcome)
	return result
}

// mark writes the outcome of a publish attempt. Failures are logged and the
// outcome is kept for the next cycle. The write is not cut short by a
// cancelled ctx so a finished publish still gets recorded on shutdown.
func (r *Relay) mark(ctx context.Context, logger *slog.Logger, rowID string, outcome Outcome) {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.updateTimeout)
	defer cancel()

	err := r.store.MarkStatus(updateCtx, rowID, outcome)
	if err != nil {
		busy := errors.Is(err, ErrStoreBusy)
		r.metrics.markFailed(busy)
		r.pendingMarks[rowID] = outcome
		if busy {
			logger.Error("row store locked, status write deferred to next cycle", "outcome", outcome, "err", err)
		} else {
			logger.Error("failed to write row status, deferred to next cycle", "outcome", outcome, "err", err)
		}
	} else {
		delete(r.pendingMarks, rowID)
	}
	r.metrics.setPendingMarks(len(r.pendingMarks))
}

// forgetSettledMarks drops deferred outcomes for rows that are no longer
// pending in the store.
func (r *Relay) forgetSettledMarks(pending []DetectionRow) {
	if len(r.pendingMarks) == 0 {
		return
	}
	stillPending := make(map[string]struct{}, len(pending))
	for _, row := range pending {
		stillPending[row.ID] = struct{}{}
	}
	for id := range r.pendingMarks {
		if _, ok := stillPending[id]; !ok {
			delete(r.pendingMarks, id)
		}
	}
	r.metrics.setPendingMarks(len(r.pendingMarks))
}

// shutdown makes one last attempt at writing deferred outcomes.
func (r *Relay) shutdown() {
	r.setState(StateShuttingDown)

	ids := make([]string, 0, len(r.pendingMarks))
	for id := range r.pendingMarks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		r.mark(context.Background(), r.logger.With("row", id), id, r.pendingMarks[id])
	}

	r.logger.Info("relay stopped", "pending_marks", len(r.pendingMarks))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
