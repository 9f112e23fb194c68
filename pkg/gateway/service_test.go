package gateway

import (
	"testing"
	"time"

	"chatrouter/pkg/config"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/plugin"
	"chatrouter/pkg/transport"
	"chatrouter/pkg/transport/console"
)

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{transportStates: map[string]transportState{"slack": {Running: true}}}
	if !svc.isReady() {
		t.Fatal("expected ready with running transport and no fallback")
	}

	svc.provider = &recordingGatewayProvider{}
	if svc.isReady() {
		t.Fatal("expected not ready without provider health")
	}

	svc.providerLastOKAt = time.Now().UTC()
	if !svc.isReady() {
		t.Fatal("expected ready with running transport and healthy provider")
	}

	svc.providerLastErr = "boom"
	if svc.isReady() {
		t.Fatal("expected not ready when provider has error")
	}

	svc.providerLastErr = ""
	svc.transportStates["slack"] = transportState{Error: "closed"}
	if svc.isReady() {
		t.Fatal("expected not ready without a running transport")
	}
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewService(nil, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}

	cfg := &config.Config{}
	if _, err := NewService(cfg, Options{}); err == nil {
		t.Fatal("expected error without transports")
	}

	duplicate := []transport.Transport{console.New(console.Options{}), console.New(console.Options{})}
	if _, err := NewService(cfg, Options{Transports: duplicate, Logger: logger.Discard()}); err == nil {
		t.Fatal("expected error for duplicate transport names")
	}

	cfg.Plugins.Enabled = []string{"nope"}
	if _, err := NewService(cfg, Options{Transports: duplicate[:1], Logger: logger.Discard()}); err == nil {
		t.Fatal("expected error for unknown plugin")
	}
}

func TestNewRegistrySkipsForgetWithoutFallback(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(&config.Config{}, nil, time.Now())
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	for _, cmd := range registry.Commands(plugin.Respond) {
		if cmd.Name == "forget" {
			t.Fatal("forget must not be registered without a fallback")
		}
	}
	if !registry.HasMatch("ping") {
		t.Fatal("expected ping to be registered")
	}
}

func TestServiceWithoutFallbackHasNoResetter(t *testing.T) {
	t.Parallel()

	svc, err := NewService(&config.Config{}, Options{
		Transports: []transport.Transport{console.New(console.Options{})},
		Logger:     logger.Discard(),
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if svc.resetter() != nil {
		t.Fatal("expected nil resetter without fallback")
	}
	if len(svc.lanes) != 1 || svc.lanes[0].name != "console" {
		t.Fatalf("lanes = %+v", svc.lanes)
	}
}
