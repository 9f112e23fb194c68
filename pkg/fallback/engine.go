package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatrouter/pkg/logger"
	"chatrouter/pkg/provider"
	providertypes "chatrouter/pkg/provider/types"
)

const defaultSessionTitle = "chatrouter"

type Options struct {
	Model        string
	System       string
	SessionTitle string
	MemoryTurns  int
	Logger       *slog.Logger
}

// Engine answers free-form messages through a provider session. It is
// stateful: one session is opened on first use and reused for every
// message, and prompts on it are serialized.
type Engine struct {
	client provider.Client
	model  string
	system string
	title  string
	memory *Memory
	log    *slog.Logger

	promptMu sync.Mutex

	mu        sync.RWMutex
	sessionID string
	usage     providertypes.TokenUsage
}

func New(client provider.Client, opts Options) (*Engine, error) {
	if client == nil {
		return nil, errors.New("fallback provider client is required")
	}

	title := strings.TrimSpace(opts.SessionTitle)
	if title == "" {
		title = defaultSessionTitle
	}

	return &Engine{
		client: client,
		model:  strings.TrimSpace(opts.Model),
		system: strings.TrimSpace(opts.System),
		title:  title,
		memory: NewMemory(opts.MemoryTurns * 2),
		log:    logger.Component(opts.Logger, "fallback.engine"),
	}, nil
}

// Respond returns the engine's answer to text.
func (e *Engine) Respond(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("prompt cannot be empty")
	}

	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	sessionID, err := e.ensureSession(ctx)
	if err != nil {
		return "", err
	}

	result, err := e.client.Prompt(ctx, sessionID, text, e.model, e.system)
	if err != nil {
		return "", fmt.Errorf("fallback prompt: %w", err)
	}

	e.memory.Append("user", text)
	e.memory.Append("assistant", result.Text)

	e.mu.Lock()
	e.usage.Add(result.Metadata.Usage)
	e.mu.Unlock()

	e.log.Debug("Fallback answered",
		"session_id", sessionID,
		"provider", result.Metadata.Provider,
		"model", result.Metadata.Model,
		"response_length", len(result.Text),
	)
	return result.Text, nil
}

// Health checks the provider without opening a session.
func (e *Engine) Health(ctx context.Context) error {
	return e.client.Health(ctx)
}

// Reset forgets the session and transcript; the next message opens a new one.
func (e *Engine) Reset() {
	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	e.mu.Lock()
	e.sessionID = ""
	e.mu.Unlock()
	e.memory.Clear()
}

func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.sessionID
}

func (e *Engine) Transcript() []MemoryEntry {
	return e.memory.List()
}

func (e *Engine) Usage() providertypes.TokenUsage {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.usage
}

// ensureSession must be called with promptMu held.
func (e *Engine) ensureSession(ctx context.Context) (string, error) {
	if sessionID := e.SessionID(); sessionID != "" {
		return sessionID, nil
	}

	if err := e.client.Health(ctx); err != nil {
		return "", fmt.Errorf("fallback provider unavailable: %w", err)
	}

	sessionID, err := e.client.CreateSession(ctx, e.title)
	if err != nil {
		return "", fmt.Errorf("open fallback session: %w", err)
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("open fallback session: empty session id")
	}

	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()

	e.log.Info("Fallback session opened", "session_id", sessionID)
	return sessionID, nil
}
