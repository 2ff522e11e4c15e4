// Package agent wires the offline queue together: durable store, queue
// manager, backend dispatcher, sync engine and connectivity observer.
//
// Once started, a sync run is triggered:
//   - when the backend becomes reachable again
//   - on the cron schedule, while online
//   - on demand through SyncNow
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/offlineq/pkg/backend"
	"github.com/fleetops/offlineq/pkg/config"
	"github.com/fleetops/offlineq/pkg/connectivity"
	"github.com/fleetops/offlineq/pkg/dispatch"
	"github.com/fleetops/offlineq/pkg/logger"
	"github.com/fleetops/offlineq/pkg/queue"
	"github.com/fleetops/offlineq/pkg/store"
	"github.com/fleetops/offlineq/pkg/syncer"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// statsInterval is how often the queue gauge is refreshed.
const statsInterval = 5 * time.Second

// Agent owns every component of the offline queue.
type Agent struct {
	Store    store.Store
	Queue    *queue.Manager
	Engine   *syncer.Engine
	Observer *connectivity.Observer

	prober        connectivity.Prober
	probeInterval time.Duration
	schedule      string
	cron          *cron.Cron
	log           zerolog.Logger

	// ctx is cancelled by Close, or when the ctx passed to Start ends.
	// Automatic syncs run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

// New builds an Agent from cfg, opening the configured store.
func New(ctx context.Context, cfg config.Config) (*Agent, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:     cfg.StoreDriver,
		RedisAddr:  cfg.RedisAddr,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		return nil, err
	}

	client := backend.NewClient(cfg.BackendURL, cfg.BackendAPIKey)
	d := dispatch.New(client, cfg.DispatchTimeout)

	a, err := Assemble(st, d, connectivity.HTTPProber{Pinger: client}, Options{
		QueueKey:      cfg.QueueKey,
		MaxRetries:    cfg.MaxRetries,
		SyncSchedule:  cfg.SyncSchedule,
		ProbeInterval: cfg.ProbeInterval,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// Options tunes Assemble.
type Options struct {
	QueueKey      string
	MaxRetries    int
	SyncSchedule  string
	ProbeInterval time.Duration
}

// Assemble wires an Agent from already constructed parts.
func Assemble(st store.Store, d syncer.Dispatcher, prober connectivity.Prober, opts Options) (*Agent, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = queue.DefaultMaxRetries
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 10 * time.Second
	}
	if opts.SyncSchedule == "" {
		opts.SyncSchedule = "@every 1m"
	}

	q := queue.NewManager(st, queue.WithKey(opts.QueueKey), queue.WithMaxRetries(opts.MaxRetries))
	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		Store:         st,
		Queue:         q,
		Engine:        syncer.New(q, d, opts.MaxRetries),
		prober:        prober,
		probeInterval: opts.ProbeInterval,
		schedule:      opts.SyncSchedule,
		cron:          cron.New(),
		log:           logger.Component("agent"),
		ctx:           ctx,
		cancel:        cancel,
	}
	a.Observer = connectivity.New(false, func() { a.trigger("online") })

	if _, err := a.cron.AddFunc(opts.SyncSchedule, a.periodic); err != nil {
		cancel()
		return nil, fmt.Errorf("agent: invalid sync schedule %q: %w", opts.SyncSchedule, err)
	}
	return a, nil
}

// Start launches the background loops. They stop, and any automatic sync
// in flight is cancelled, when ctx ends or Close is called.
func (a *Agent) Start(ctx context.Context) {
	context.AfterFunc(ctx, a.cancel)

	go a.Observer.Watch(a.ctx, a.prober, a.probeInterval)
	go a.collectQueueMetrics(a.ctx)
	a.cron.Start()

	a.log.Info().Str("schedule", a.schedule).Dur("probe_interval", a.probeInterval).Msg("Agent started")
}

// SyncNow runs a sync immediately, regardless of the connectivity state.
func (a *Agent) SyncNow(ctx context.Context) (syncer.Summary, error) {
	return a.Engine.RunSync(ctx)
}

// Close cancels automatic syncs, waits for them to stop and releases the
// store. Calling Close more than once is a no-op.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	<-a.cron.Stop().Done()
	a.running.Wait()
	return a.Store.Close()
}

// periodic is the cron job: sync only while online.
func (a *Agent) periodic() {
	if !a.Observer.Online() {
		a.log.Debug().Msg("Offline, skipping scheduled sync")
		return
	}
	a.trigger("schedule")
}

func (a *Agent) trigger(reason string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.running.Add(1)
	a.mu.Unlock()
	defer a.running.Done()

	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Minute)
	defer cancel()

	summary, err := a.Engine.RunSync(ctx)
	if errors.Is(err, syncer.ErrSyncInProgress) {
		a.log.Debug().Str("reason", reason).Msg("Sync already running, request ignored")
		return
	}
	if errors.Is(err, context.Canceled) {
		a.log.Info().Str("reason", reason).Msg("Sync cancelled by shutdown")
		return
	}
	if err != nil {
		a.log.Error().Err(err).Str("reason", reason).Msg("Sync failed")
		return
	}
	a.log.Info().
		Str("reason", reason).
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Int("remaining", summary.Remaining).
		Msg("Sync triggered")
}

// collectQueueMetrics periodically refreshes the queue gauge from stats.
func (a *Agent) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := a.Queue.Stats(ctx)
			if err != nil {
				a.log.Error().Err(err).Msg("Failed to read queue stats")
				continue
			}
			syncer.RecordQueueStats(st)
		}
	}
}
