// Package connectivity tracks whether the backend is reachable and fires a
// callback each time the device comes back online.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/fleetops/offlineq/pkg/logger"
	"github.com/rs/zerolog"
)

// Prober reports whether the network (or the backend) is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Observer holds the current online/offline state.
//
// Every state change is passed to subscribers. A transition into online
// additionally runs the onOnline callback in its own goroutine. Nothing is
// debounced; rapid flapping produces one callback per offline→online edge.
type Observer struct {
	mu       sync.RWMutex
	online   bool
	subs     []func(online bool)
	onOnline func()
	log      zerolog.Logger
}

// New creates an Observer with the given initial state. onOnline may be nil.
func New(initial bool, onOnline func()) *Observer {
	return &Observer{
		online:   initial,
		onOnline: onOnline,
		log:      logger.Component("connectivity"),
	}
}

// Online returns the current state.
func (o *Observer) Online() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.online
}

// Subscribe registers fn to be called with the new state on every change.
func (o *Observer) Subscribe(fn func(online bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

// Set records a platform online/offline signal.
func (o *Observer) Set(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	subs := append([]func(bool){}, o.subs...)
	onOnline := o.onOnline
	o.mu.Unlock()

	if online {
		o.log.Info().Msg("Network online")
	} else {
		o.log.Warn().Msg("Network offline")
	}

	for _, fn := range subs {
		fn(online)
	}
	if online && onOnline != nil {
		go onOnline()
	}
}

// Watch polls p every interval and feeds the result into Set until ctx is
// cancelled. The first probe runs immediately and sets the initial state.
func (o *Observer) Watch(ctx context.Context, p Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.Set(o.probe(ctx, p, interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Set(o.probe(ctx, p, interval))
		}
	}
}

func (o *Observer) probe(ctx context.Context, p Prober, interval time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	return p.Probe(probeCtx)
}

// Pinger is satisfied by backend.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPProber treats the backend as reachable when Ping succeeds.
type HTTPProber struct {
	Pinger Pinger
}

// Probe implements Prober.
func (p HTTPProber) Probe(ctx context.Context) bool {
	return p.Pinger.Ping(ctx) == nil
}
