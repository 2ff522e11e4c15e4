// Package syncer drains the offline queue against the backend.
//
// A sync run takes a snapshot of the queue and walks it oldest first, one
// item at a time:
//  1. Items at the retry ceiling are parked: counted as failed, not dispatched
//  2. Otherwise the item is dispatched
//  3. On success it is removed from the queue
//  4. On failure its retry count is bumped and the error message stored
//
// Items enqueued while a run is in progress wait for the next run. Only one
// run executes at a time; a request that arrives during a run returns
// ErrSyncInProgress straight away.
//
// Dispatch failures never fail the run. A storage error does, because the
// queue's integrity is then in question.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetops/offlineq/pkg/actions"
	"github.com/fleetops/offlineq/pkg/logger"
	"github.com/fleetops/offlineq/pkg/queue"
	"github.com/rs/zerolog"
)

// ErrSyncInProgress is returned when a run is requested while another one
// is still executing.
var ErrSyncInProgress = errors.New("sync already in progress")

// Queue is the part of the queue manager the engine drives.
type Queue interface {
	ListAll(ctx context.Context) ([]actions.QueueItem, error)
	Remove(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id, message string) error
}

// Dispatcher replays one item against the backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, item actions.QueueItem) error
}

// Summary is the outcome of one sync run.
type Summary struct {
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Remaining  int           `json:"remaining"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Engine runs sync passes over the queue.
type Engine struct {
	queue      Queue
	dispatcher Dispatcher
	maxRetries int
	now        func() time.Time
	log        zerolog.Logger

	running atomic.Bool

	mu   sync.RWMutex
	last *Summary
}

// New creates an Engine. A non-positive maxRetries means
// queue.DefaultMaxRetries.
func New(q Queue, d Dispatcher, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = queue.DefaultMaxRetries
	}
	return &Engine{
		queue:      q,
		dispatcher: d,
		maxRetries: maxRetries,
		now:        time.Now,
		log:        logger.Component("syncer"),
	}
}

// Running reports whether a run is executing.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastSummary returns the summary of the most recently finished run.
func (e *Engine) LastSummary() (Summary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Summary{}, false
	}
	return *e.last, true
}

// RunSync drains the queue once.
//
// It returns ErrSyncInProgress without touching the queue if another run is
// executing. A storage error or context cancellation stops the run early;
// the partial summary is returned together with the error.
func (e *Engine) RunSync(ctx context.Context) (Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		syncRuns.WithLabelValues("skipped").Inc()
		return Summary{}, ErrSyncInProgress
	}
	defer e.running.Store(false)

	summary := Summary{StartedAt: e.now()}
	err := e.drain(ctx, &summary)

	summary.FinishedAt = e.now()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	if err != nil {
		summary.Error = err.Error()
		syncRuns.WithLabelValues("error").Inc()
		e.log.Error().Err(err).
			Int("processed", summary.Processed).
			Int("failed", summary.Failed).
			Msg("Sync run aborted")
	} else {
		syncRuns.WithLabelValues("ok").Inc()
		e.log.Info().
			Int("processed", summary.Processed).
			Int("failed", summary.Failed).
			Int("remaining", summary.Remaining).
			Dur("duration", summary.Duration).
			Msg("Sync run finished")
	}

	e.mu.Lock()
	last := summary
	e.last = &last
	e.mu.Unlock()

	return summary, err
}

func (e *Engine) drain(ctx context.Context, summary *Summary) error {
	snapshot, err := e.queue.ListAll(ctx)
	if err != nil {
		return err
	}

	for _, item := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}

		if item.RetryCount >= e.maxRetries {
			// Parked until someone purges it.
			summary.Failed++
			dispatched.WithLabelValues("parked", string(item.Action)).Inc()
			continue
		}

		start := time.Now()
		dispatchErr := e.dispatcher.Dispatch(ctx, item)
		dispatchDuration.WithLabelValues(string(item.Action)).Observe(time.Since(start).Seconds())

		if dispatchErr == nil {
			if err := e.queue.Remove(ctx, item.ID); err != nil {
				return err
			}
			summary.Processed++
			dispatched.WithLabelValues("success", string(item.Action)).Inc()
			queueLatency.WithLabelValues(string(item.Action)).Observe(
				e.now().Sub(time.UnixMilli(item.Timestamp)).Seconds())
			continue
		}

		if err := ctx.Err(); err != nil {
			// The run was cancelled under the call; this attempt doesn't count.
			return err
		}

		e.log.Warn().Err(dispatchErr).
			Str("item_id", item.ID).
			Str("action", string(item.Action)).
			Int("retry_count", item.RetryCount+1).
			Msg("Dispatch failed")
		if err := e.queue.RecordFailure(ctx, item.ID, dispatchErr.Error()); err != nil {
			return err
		}
		summary.Failed++
		dispatched.WithLabelValues("failure", string(item.Action)).Inc()
	}

	remaining, err := e.queue.ListAll(ctx)
	if err != nil {
		return err
	}
	summary.Remaining = len(remaining)
	return nil
}
