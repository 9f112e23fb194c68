package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatrouter/pkg/config"
	providerfantasy "chatrouter/pkg/provider/fantasy"
	provideropenai "chatrouter/pkg/provider/openai"
	"chatrouter/pkg/provider/opencode"
	providertypes "chatrouter/pkg/provider/types"
)

const (
	IDOpenCode = "opencode"
	IDOpenAI   = "openai"
	IDFantasy  = "fantasy"
)

// Client is a conversational backend with server-side or in-memory sessions.
type Client interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, sessionID string, prompt string, model string, system string) (providertypes.PromptResult, error)
}

// ID returns the configured provider id, defaulting to opencode.
func ID(cfg *config.Config) string {
	providerID := strings.ToLower(strings.TrimSpace(cfg.Fallback.Provider))
	if providerID == "" {
		return IDOpenCode
	}
	return providerID
}

func New(cfg *config.Config) (Client, error) {
	providerID := ID(cfg)

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case IDOpenCode:
		return opencode.New(cfg)
	case IDOpenAI:
		return provideropenai.New(cfg)
	case IDFantasy:
		return providerfantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
