// Package watcher runs the presence pipeline: it polls the roster on a
// schedule, turns roster changes into sessions, and hands the results to the
// store through a single writer.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/presencewatch/internal/api"
	"github.com/stellarlinkco/presencewatch/internal/bus"
	"github.com/stellarlinkco/presencewatch/internal/config"
	"github.com/stellarlinkco/presencewatch/internal/cron"
	"github.com/stellarlinkco/presencewatch/internal/presence"
	"github.com/stellarlinkco/presencewatch/internal/source/vk"
	"github.com/stellarlinkco/presencewatch/internal/store"
)

const (
	PollJob        = "poll"
	MaintenanceJob = "maintenance"

	writeTimeout = 30 * time.Second
)

// Source returns the current roster.
type Source interface {
	Fetch(ctx context.Context) ([]presence.Entity, error)
}

// Sink persists pipeline output. Writes must be idempotent for sessions and
// additive for hour buckets.
type Sink interface {
	CreateEntityIfAbsent(ctx context.Context, id, name string) error
	AppendSession(ctx context.Context, s presence.Session) error
	MergeHourBuckets(ctx context.Context, buckets []presence.HourBucket) error
}

// Options for creating a Watcher
type Options struct {
	Source     Source
	Store      *store.Engine
	// Sink overrides where pipeline output is written. Queries still go
	// to Store.
	Sink       Sink
	SignalChan chan os.Signal // for testing signal handling
	Now        func() time.Time
}

type Watcher struct {
	cfg    *config.Config
	source Source
	sink   Sink
	engine *store.Engine
	ownsDB bool

	bus    *bus.EventBus
	cron   *cron.Service
	server *api.Server

	// cycleMu guards roster and tracker. The scheduler already prevents
	// overlapping cycles; the lock orders the shutdown flush after the
	// last cycle.
	cycleMu sync.Mutex
	roster  []presence.Entity
	tracker *presence.Tracker

	now        func() time.Time
	signalChan chan os.Signal

	writerDone   chan struct{}
	writerOnce   sync.Once
	startOnce    sync.Once
	shutdownOnce sync.Once
}

// New creates a Watcher with default options
func New(cfg *config.Config) (*Watcher, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Watcher with injected dependencies for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Watcher, error) {
	w := &Watcher{
		cfg:        cfg,
		source:     opts.Source,
		engine:     opts.Store,
		now:        opts.Now,
		signalChan: opts.SignalChan,
		writerDone: make(chan struct{}),
	}
	if w.now == nil {
		w.now = time.Now
	}

	if w.engine == nil {
		engine, err := store.NewEngine(cfg.Store.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		w.engine = engine
		w.ownsDB = true
	}
	w.sink = opts.Sink
	if w.sink == nil {
		w.sink = w.engine
	}

	if w.source == nil {
		w.source = vk.NewClient(vk.Options{
			Token:      cfg.Provider.Token,
			BaseURL:    cfg.Provider.BaseURL,
			APIVersion: cfg.Provider.APIVersion,
			Timeout:    cfg.Provider.TimeoutDuration(),
		})
	}

	w.tracker = presence.NewTracker(presence.TrackerOptions{
		GraceThreshold: cfg.Watcher.GraceThresholdDuration(),
		MinSession:     cfg.Watcher.MinSessionDuration(),
	})
	w.bus = bus.NewEventBus(cfg.Watcher.BufSize)

	w.cron = cron.NewService()
	if _, err := w.cron.AddJob(PollJob, cron.Schedule{Kind: cron.KindEvery, Every: cfg.Watcher.IntervalDuration()}, w.Cycle); err != nil {
		w.closeStore()
		return nil, fmt.Errorf("schedule poll: %w", err)
	}
	if cfg.Store.Maintenance != "" {
		if _, err := w.cron.AddJob(MaintenanceJob, cron.Schedule{Kind: cron.KindCron, Expr: cfg.Store.Maintenance}, w.engine.Optimize); err != nil {
			w.closeStore()
			return nil, fmt.Errorf("schedule maintenance: %w", err)
		}
	}

	if cfg.Server.Enabled {
		w.server = api.NewServer(api.Options{
			Host:      cfg.Server.Host,
			Port:      cfg.Server.Port,
			StaticDir: cfg.Server.StaticDir,
			TLSPort:   cfg.Server.TLSPort,
			CertFile:  cfg.Server.CertFile,
			KeyFile:   cfg.Server.KeyFile,
			Queries:   w.engine,
			Jobs:      w.cron,
			Events:    w.bus,
		})
	}

	return w, nil
}

// Cycle runs one poll: fetch, diff against the retained roster, advance the
// tracker and publish the results. A failed fetch leaves all state as it
// was; the next tick is the retry.
func (w *Watcher) Cycle(ctx context.Context) error {
	snapshot, err := w.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch roster: %w", err)
	}
	current := presence.Dedupe(snapshot)
	now := w.now()

	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	var created, closed int
	for _, a := range presence.Diff(w.roster, current) {
		if a.Kind == presence.ActionCreated {
			created++
			w.bus.Publish(bus.EntityCreated{Entity: a.Entity, At: now})
		}
		if s, ok := w.tracker.Apply(a); ok {
			closed++
			w.bus.Publish(bus.NewSessionClosed(s, a.Entity.Name, false))
		}
	}
	w.roster = current

	if created > 0 || closed > 0 {
		log.Printf("[watcher] cycle: %d entities, %d new, %d sessions closed, %d open", len(current), created, closed, w.tracker.OpenCount())
	}
	return nil
}

// Start launches the writer, the scheduler and the query server, then
// triggers the first poll without waiting a full interval.
func (w *Watcher) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		w.startWriter()

		if err = w.cron.Start(ctx); err != nil {
			err = fmt.Errorf("start scheduler: %w", err)
			return
		}
		if w.server != nil {
			if err = w.server.Start(ctx); err != nil {
				err = fmt.Errorf("start api: %w", err)
				return
			}
		}
		w.cron.RunNow(PollJob)
	})
	return err
}

func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		w.Shutdown()
		return err
	}
	log.Printf("[watcher] polling every %v", w.cfg.Watcher.IntervalDuration())

	// Use injected signal channel for testing, or create default
	sigCh := w.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[watcher] shutting down...")
	return w.Shutdown()
}

func (w *Watcher) startWriter() {
	w.writerOnce.Do(func() { go w.dispatch() })
}

// dispatch is the only goroutine that writes pipeline output to the sink.
// Write failures are logged and dropped.
func (w *Watcher) dispatch() {
	defer close(w.writerDone)
	for ev := range w.bus.Events() {
		w.persist(ev)
	}
}

func (w *Watcher) persist(ev bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch e := ev.(type) {
	case bus.EntityCreated:
		if err := w.sink.CreateEntityIfAbsent(ctx, e.Entity.ID, e.Entity.Name); err != nil {
			log.Printf("[watcher] persist entity %s warning: %v", e.Entity.ID, err)
		}
	case bus.SessionClosed:
		// Entities first seen offline never produce EntityCreated.
		if e.Name != "" {
			if err := w.sink.CreateEntityIfAbsent(ctx, e.Session.EntityID, e.Name); err != nil {
				log.Printf("[watcher] persist entity %s warning: %v", e.Session.EntityID, err)
			}
		}
		if err := w.sink.AppendSession(ctx, e.Session); err != nil {
			log.Printf("[watcher] persist session %s warning: %v", e.Session.EntityID, err)
		}
		if err := w.sink.MergeHourBuckets(ctx, e.Buckets); err != nil {
			log.Printf("[watcher] merge buckets %s warning: %v", e.Session.EntityID, err)
		}
	}
}

// Shutdown stops polling, force-closes sessions older than the grace
// threshold, drains pending writes and releases the store. Sessions younger
// than the threshold are discarded.
func (w *Watcher) Shutdown() error {
	w.shutdownOnce.Do(func() {
		defer w.closeStore()

		w.cron.Stop()
		w.startWriter()

		w.cycleMu.Lock()
		flushed := w.tracker.Flush(w.now())
		discarded := w.tracker.OpenCount()
		names := make(map[string]string, len(w.roster))
		for _, e := range w.roster {
			names[e.ID] = e.Name
		}
		w.cycleMu.Unlock()

		for _, s := range flushed {
			w.bus.Publish(bus.NewSessionClosed(s, names[s.EntityID], true))
		}
		if len(flushed) > 0 || discarded > 0 {
			log.Printf("[watcher] flushed %d open sessions, discarded %d", len(flushed), discarded)
		}

		w.bus.Close()
		<-w.writerDone

		if w.server != nil {
			_ = w.server.Stop()
		}
		log.Printf("[watcher] shutdown complete")
	})
	return nil
}

func (w *Watcher) closeStore() {
	if !w.ownsDB || w.engine == nil {
		return
	}
	if err := w.engine.Close(); err != nil {
		log.Printf("[watcher] close store warning: %v", err)
	}
}

// OpenSessions reports how many entities currently have an open session.
func (w *Watcher) OpenSessions() int {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()
	return w.tracker.OpenCount()
}
