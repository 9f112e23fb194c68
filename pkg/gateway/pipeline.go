package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"chatrouter/pkg/bus"
	"chatrouter/pkg/config"
	"chatrouter/pkg/dispatch"
	"chatrouter/pkg/fallback"
	"chatrouter/pkg/fallback/profile"
	"chatrouter/pkg/plugin"
	"chatrouter/pkg/plugin/builtin"
	"chatrouter/pkg/provider"
	"chatrouter/pkg/router"
	"chatrouter/pkg/transport"
	"chatrouter/pkg/workerpool"
)

// lane is the router and pool serving one transport.
type lane struct {
	name      string
	transport transport.Transport
	router    *router.Router
	pool      *workerpool.Pool
}

// NewRegistry builds the plugin registry from config. resetter backs the
// forget command and may be nil.
func NewRegistry(cfg *config.Config, resetter builtin.Resetter, startedAt time.Time) (*plugin.Registry, error) {
	registry := plugin.NewRegistry()
	if err := builtin.Register(registry, cfg.Plugins.Enabled, builtin.Options{Fallback: resetter, StartedAt: startedAt}); err != nil {
		return nil, fmt.Errorf("register plugins: %w", err)
	}
	return registry, nil
}

// NewFallback builds the conversational engine over client with the
// configured persona.
func NewFallback(cfg *config.Config, client provider.Client, log *slog.Logger) (*fallback.Engine, error) {
	system, err := profile.Resolve(cfg.Fallback.Persona, provider.ID(cfg))
	if err != nil {
		return nil, fmt.Errorf("resolve persona: %w", err)
	}

	engine, err := fallback.New(client, fallback.Options{
		Model:       cfg.Fallback.Model,
		System:      system,
		MemoryTurns: cfg.Fallback.MemoryLimit(),
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize fallback: %w", err)
	}
	return engine, nil
}

type laneDeps struct {
	cfg        *config.Config
	registry   *plugin.Registry
	fallback   dispatch.Fallback
	authorizer *dispatch.Authorizer
	bus        *bus.EventBus
	log        *slog.Logger
}

func newLane(t transport.Transport, deps laneDeps) (*lane, error) {
	perSecond, burst := deps.cfg.Router.SendRate()
	synced := transport.Synchronized(t, rate.NewLimiter(rate.Limit(perSecond), burst))

	handler, err := dispatch.New(dispatch.Options{
		Transport:  synced,
		Plugins:    deps.registry,
		Fallback:   deps.fallback,
		Authorizer: deps.authorizer,
		Bus:        deps.bus,
		Logger:     deps.log,
	})
	if err != nil {
		return nil, err
	}

	pool, err := workerpool.New(handler, workerpool.Options{
		Workers:     deps.cfg.Router.WorkerCount(),
		QueueSize:   deps.cfg.Router.QueueCapacity(),
		Policy:      deps.cfg.Router.Policy(),
		TaskTimeout: deps.cfg.Router.TaskTimeout(),
		Transport:   t.Name(),
		Logger:      deps.log,
		Bus:         deps.bus,
	})
	if err != nil {
		return nil, err
	}

	r, err := router.New(router.Options{
		Transport:    synced,
		Plugins:      deps.registry,
		Pool:         pool,
		Bus:          deps.bus,
		Logger:       deps.log,
		PollInterval: deps.cfg.Router.PollInterval(),
		DrainTimeout: deps.cfg.Router.DrainTimeout(),
	})
	if err != nil {
		return nil, err
	}

	return &lane{name: t.Name(), transport: t, router: r, pool: pool}, nil
}
