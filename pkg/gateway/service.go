package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrouter/pkg/bus"
	"chatrouter/pkg/config"
	"chatrouter/pkg/dispatch"
	"chatrouter/pkg/fallback"
	"chatrouter/pkg/plugin/builtin"
	"chatrouter/pkg/provider"
	providertypes "chatrouter/pkg/provider/types"
	"chatrouter/pkg/router"
	"chatrouter/pkg/transport"
	"chatrouter/pkg/workerpool"
)

const (
	defaultHealthHost   = "0.0.0.0"
	defaultHealthPort   = 18790
	healthCheckInterval = 30 * time.Second
	observerBuffer      = 64
	counterBuffer       = 256
)

type Options struct {
	Transports []transport.Transport
	// Provider overrides the configured fallback provider client.
	Provider provider.Client
	// Authorizer overrides the allow lists from config.
	Authorizer *dispatch.Authorizer
	// StatusServer enables the /healthz and /readyz listener.
	StatusServer bool
	Logger       *slog.Logger
}

// Service runs one router per transport over a shared plugin registry,
// fallback engine and event bus.
type Service struct {
	cfg          *config.Config
	log          *slog.Logger
	bus          *bus.EventBus
	counters     *bus.Counters
	provider     provider.Client
	fallback     *fallback.Engine
	lanes        []*lane
	statusServer bool

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	transportStates  map[string]transportState
}

type transportState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type transportStatus struct {
	transportState
	Router router.Stats     `json:"router"`
	Pool   workerpool.Stats `json:"pool"`
}

type fallbackStatus struct {
	SessionID string                    `json:"session_id,omitempty"`
	Usage     providertypes.TokenUsage `json:"usage"`
}

type statusResponse struct {
	Status           string                     `json:"status"`
	UptimeSeconds    int64                      `json:"uptime_seconds"`
	ProviderLastOKAt string                     `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                     `json:"provider_last_error,omitempty"`
	Transports       map[string]transportStatus `json:"transports"`
	Events           map[string]int64           `json:"events"`
	Fallback         *fallbackStatus            `json:"fallback,omitempty"`
}

func NewService(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(opts.Transports) == 0 {
		return nil, errors.New("at least one transport is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	startedAt := time.Now().UTC()
	eventBus := bus.New()

	svc := &Service{
		cfg:             cfg,
		log:             log.With("component", "gateway.service"),
		bus:             eventBus,
		counters:        bus.NewCounters(),
		statusServer:    opts.StatusServer,
		startedAt:       startedAt,
		transportStates: make(map[string]transportState, len(opts.Transports)),
	}

	var fallbackHandler dispatch.Fallback
	if cfg.Fallback.Enabled {
		client := opts.Provider
		if client == nil {
			var err error
			client, err = provider.New(cfg)
			if err != nil {
				return nil, fmt.Errorf("initialize provider: %w", err)
			}
		}

		engine, err := NewFallback(cfg, client, log)
		if err != nil {
			return nil, err
		}
		svc.provider = client
		svc.fallback = engine
		fallbackHandler = engine
	}

	registry, err := NewRegistry(cfg, svc.resetter(), startedAt)
	if err != nil {
		return nil, err
	}

	authorizer := opts.Authorizer
	if authorizer == nil {
		authorizer = dispatch.NewAuthorizer(cfg.Fallback.AllowUsers, cfg.Fallback.AllowChannels)
	}

	deps := laneDeps{
		cfg:        cfg,
		registry:   registry,
		fallback:   fallbackHandler,
		authorizer: authorizer,
		bus:        eventBus,
		log:        log,
	}

	for _, t := range opts.Transports {
		if _, exists := svc.transportStates[t.Name()]; exists {
			return nil, fmt.Errorf("transport %q configured twice", t.Name())
		}

		l, err := newLane(t, deps)
		if err != nil {
			return nil, fmt.Errorf("configure %s router: %w", t.Name(), err)
		}
		svc.lanes = append(svc.lanes, l)
		svc.transportStates[t.Name()] = transportState{}
	}

	return svc, nil
}

// resetter keeps a nil engine from becoming a non-nil interface.
func (s *Service) resetter() builtin.Resetter {
	if s.fallback == nil {
		return nil
	}
	return s.fallback
}

// Bus exposes router lifecycle events to additional observers.
func (s *Service) Bus() *bus.EventBus {
	return s.bus
}

// Run starts every router and blocks until ctx ends or a router fails.
// All routers are drained before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if s.provider != nil {
		if err := s.checkProviderHealth(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscriptions are taken before any router starts and stay open until
	// the bus closes, so events from the first poll and the final drain
	// are all observed.
	logged, _ := s.bus.Subscribe(context.Background(), observerBuffer)
	counted, _ := s.bus.Subscribe(context.Background(), counterBuffer)

	var observers sync.WaitGroup
	observers.Add(2)
	go func() {
		defer observers.Done()
		bus.Observe(logged, s.log)
	}()
	go func() {
		defer observers.Done()
		s.counters.Consume(counted)
	}()

	serverErrors := make(chan error, 1)
	if s.statusServer {
		go s.runHealthServer(runCtx, serverErrors)
	}

	if s.provider != nil {
		go s.watchProviderHealth(runCtx)
	}

	var routers sync.WaitGroup
	errCh := make(chan error, len(s.lanes))
	for _, l := range s.lanes {
		s.setTransportState(l.name, transportState{Running: true})

		routers.Add(1)
		go func() {
			defer routers.Done()
			err := l.router.Run(runCtx)
			s.setTransportState(l.name, transportState{Running: false, Error: errorString(err)})
			if err != nil {
				errCh <- fmt.Errorf("run %s router: %w", l.name, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	cancel()
	routers.Wait()
	s.closeTransports()
	s.bus.Close()
	observers.Wait()

	return runErr
}

func (s *Service) watchProviderHealth(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil {
				s.log.Warn("Provider health check failed", "error", err)
			}
		}
	}
}

func (s *Service) closeTransports() {
	for _, l := range s.lanes {
		if err := l.transport.Close(); err != nil {
			s.log.Warn("Failed to close transport", "transport", l.name, "error", err)
		}
	}
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.statusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	transports := make(map[string]transportStatus, len(s.lanes))
	for _, l := range s.lanes {
		transports[l.name] = transportStatus{
			transportState: s.transportStates[l.name],
			Router:         l.router.Stats(),
			Pool:           l.pool.Stats(),
		}
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	response := statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Transports:       transports,
		Events:           s.counters.Snapshot(),
	}
	if s.fallback != nil {
		response.Fallback = &fallbackStatus{
			SessionID: s.fallback.SessionID(),
			Usage:     s.fallback.Usage(),
		}
	}
	return response
}

// isReady needs a running transport and, with the fallback enabled, a
// healthy provider.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.transportStates {
		if state.Running {
			anyRunning = true
			break
		}
	}

	if !anyRunning {
		return false
	}

	if s.provider == nil {
		return true
	}

	if s.providerLastOKAt.IsZero() {
		return false
	}

	return s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setTransportState(name string, state transportState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
