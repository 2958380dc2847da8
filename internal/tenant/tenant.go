// Package tenant assembles and owns one engine instance per tenant: store,
// topic registry, subscription registry, event generator, dispatcher,
// heartbeat scheduler and websocket hub. Tenants are fully isolated from each
// other.
package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/config"
	"github.com/carewire/carewire/internal/dispatch"
	"github.com/carewire/carewire/internal/engine"
	"github.com/carewire/carewire/internal/heartbeat"
	"github.com/carewire/carewire/internal/pathexpr"
	"github.com/carewire/carewire/internal/platform/metrics"
	"github.com/carewire/carewire/internal/platform/websocket"
	"github.com/carewire/carewire/internal/store"
	"github.com/carewire/carewire/internal/subscription"
	"github.com/carewire/carewire/internal/topic"
	"github.com/carewire/carewire/internal/valueset"
)

// Engine is one tenant's full processing stack.
type Engine struct {
	ID string

	Store      *store.Store
	Topics     *topic.Registry
	Subs       *subscription.Registry
	Bundler    *subscription.Bundler
	Generator  *engine.Generator
	Dispatcher *dispatch.Dispatcher
	Scheduler  *heartbeat.Scheduler
	Hub        *websocket.Hub
	WS         *websocket.Handler

	cancel context.CancelFunc
	logger zerolog.Logger
}

func newEngine(id string, cfg *config.Config, valuesets valueset.Service, logger zerolog.Logger) (*Engine, error) {
	logger = logger.With().Str("tenant", id).Logger()

	topics := topic.NewRegistry(pathexpr.New(valuesets), logger)
	for _, def := range topic.BuiltinDefinitions() {
		if _, err := topics.Register(def); err != nil {
			return nil, fmt.Errorf("register builtin topic %s: %w", def.URL, err)
		}
	}

	st := store.New()
	subs := subscription.NewRegistry(topics, cfg.ErrorLimit, cfg.EventLogRetention, logger)
	bundler := subscription.NewBundler(st)
	hub := websocket.NewHub()

	opts := []dispatch.Option{
		dispatch.WithWorkers(cfg.DispatcherWorkers),
		dispatch.WithRetryLimit(cfg.RetryLimit),
		dispatch.WithHandler(subscription.ChannelRestHook, dispatch.NewRestHookHandler()),
		dispatch.WithHandler(subscription.ChannelWebsocket, dispatch.NewWebsocketHandler(hub)),
	}
	if cfg.SMTPHost != "" {
		sender := dispatch.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
		opts = append(opts, dispatch.WithHandler(subscription.ChannelEmail, dispatch.NewEmailHandler(sender)))
	}
	if cfg.SlackToken != "" {
		opts = append(opts, dispatch.WithHandler(subscription.ChannelChatMessage, dispatch.NewSlackChatHandler(cfg.SlackToken)))
	}
	dispatcher := dispatch.New(subs, bundler, logger, opts...)

	gen := engine.New(topics, subs, st, dispatcher, logger,
		engine.WithWorkers(cfg.GeneratorWorkers),
		engine.WithQueueCapacity(cfg.IngressQueueCapacity))
	st.AddListener(gen)

	scheduler := heartbeat.New(subs, dispatcher, logger,
		heartbeat.WithTick(time.Duration(cfg.HeartbeatTickSeconds)*time.Second),
		heartbeat.WithEndOfLife(time.Duration(cfg.EndOfLifeDays)*24*time.Hour),
		heartbeat.WithHandshakeTimeout(time.Duration(cfg.HandshakeTimeoutSeconds)*time.Second))

	return &Engine{
		ID:         id,
		Store:      st,
		Topics:     topics,
		Subs:       subs,
		Bundler:    bundler,
		Generator:  gen,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Hub:        hub,
		WS:         websocket.NewHandler(hub),
		logger:     logger,
	}, nil
}

// start launches the tenant's pipeline and sweep loops.
func (e *Engine) start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.Dispatcher.Start(ctx)
	e.Generator.Start(ctx)
	e.Scheduler.Start(ctx)
	go e.reportGauges(ctx)
	e.logger.Info().Msg("tenant engine started")
}

// stop winds the pipeline down, draining queued work up to the deadline.
func (e *Engine) stop(deadline time.Duration) {
	if e.cancel != nil {
		e.cancel()
	}
	e.Generator.Drain(deadline)
	e.Dispatcher.Drain(deadline)
	e.logger.Info().Msg("tenant engine stopped")
}

func (e *Engine) reportGauges(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			byState := make(map[subscription.State]int)
			for _, s := range e.Subs.All() {
				byState[s.State]++
			}
			for _, state := range []subscription.State{
				subscription.StateRequested,
				subscription.StateActive,
				subscription.StateError,
				subscription.StateOff,
			} {
				metrics.ActiveSubscriptions.WithLabelValues(e.ID, string(state)).Set(float64(byState[state]))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Registry hands out tenant engines, creating them on first use.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine

	cfg       *config.Config
	valuesets valueset.Service
	logger    zerolog.Logger
}

func NewRegistry(cfg *config.Config, valuesets valueset.Service, logger zerolog.Logger) *Registry {
	return &Registry{
		engines:   make(map[string]*Engine),
		cfg:       cfg,
		valuesets: valuesets,
		logger:    logger.With().Str("component", "tenant-registry").Logger(),
	}
}

// Get returns the tenant's engine, creating and starting it on first access.
func (r *Registry) Get(id string) (*Engine, error) {
	if id == "" {
		id = r.cfg.DefaultTenant
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id]; ok {
		return e, nil
	}
	e, err := newEngine(id, r.cfg, r.valuesets, r.logger)
	if err != nil {
		return nil, err
	}
	e.start()
	r.engines[id] = e
	r.logger.Info().Str("tenant", id).Msg("tenant created")
	return e, nil
}

// Default returns the engine for the configured default tenant.
func (r *Registry) Default() (*Engine, error) {
	return r.Get(r.cfg.DefaultTenant)
}

// Remove tears a tenant down, discarding its state.
func (r *Registry) Remove(id string, deadline time.Duration) {
	r.mu.Lock()
	e, ok := r.engines[id]
	delete(r.engines, id)
	r.mu.Unlock()
	if ok {
		e.stop(deadline)
	}
}

// Shutdown stops every tenant engine.
func (r *Registry) Shutdown(deadline time.Duration) {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	for _, e := range engines {
		e.stop(deadline)
	}
}
