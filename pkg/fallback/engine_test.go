package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatrouter/pkg/logger"
	providertypes "chatrouter/pkg/provider/types"
)

type fakeProviderClient struct {
	mu sync.Mutex

	healthErr error

	createSessionID string
	createErr       error

	promptResponse string
	promptErr      error
	promptDelay    time.Duration

	healthCalls int
	createCalls int
	promptCalls int
	inFlight    int
	maxInFlight int

	lastSessionID string
	lastPrompt    string
	lastModel     string
	lastSystem    string
}

func (f *fakeProviderClient) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.healthCalls++
	return f.healthErr
}

func (f *fakeProviderClient) CreateSession(ctx context.Context, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createSessionID, nil
}

func (f *fakeProviderClient) Prompt(ctx context.Context, sessionID string, prompt string, model string, system string) (providertypes.PromptResult, error) {
	f.mu.Lock()
	f.promptCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.lastSessionID = sessionID
	f.lastPrompt = prompt
	f.lastModel = model
	f.lastSystem = system
	delay := f.promptDelay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--

	if f.promptErr != nil {
		return providertypes.PromptResult{}, f.promptErr
	}
	return providertypes.PromptResult{
		Text:     f.promptResponse,
		Metadata: providertypes.PromptMetadata{Provider: "fake", Usage: &providertypes.TokenUsage{TotalTokens: 3}},
	}, nil
}

func newTestEngine(t *testing.T, client *fakeProviderClient) *Engine {
	t.Helper()
	engine, err := New(client, Options{Model: "openai/gpt-5.2", System: "be kind", MemoryTurns: 10, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return engine
}

func TestRespondOpensSessionLazily(t *testing.T) {
	client := &fakeProviderClient{createSessionID: "session-1", promptResponse: "hello back"}
	engine := newTestEngine(t, client)

	if engine.SessionID() != "" {
		t.Fatal("session must not open before the first message")
	}

	for i := 0; i < 2; i++ {
		response, err := engine.Respond(context.Background(), " hello ")
		if err != nil {
			t.Fatalf("Respond error: %v", err)
		}
		if response != "hello back" {
			t.Fatalf("response = %q, want %q", response, "hello back")
		}
	}

	if client.healthCalls != 1 || client.createCalls != 1 {
		t.Fatalf("health/create calls = %d/%d, want 1/1", client.healthCalls, client.createCalls)
	}
	if client.lastSessionID != "session-1" || client.lastPrompt != "hello" {
		t.Fatalf("prompt went to %q with %q", client.lastSessionID, client.lastPrompt)
	}
	if client.lastModel != "openai/gpt-5.2" || client.lastSystem != "be kind" {
		t.Fatalf("model/system = %q/%q", client.lastModel, client.lastSystem)
	}
	if got := len(engine.Transcript()); got != 4 {
		t.Fatalf("transcript length = %d, want 4", got)
	}
	if got := engine.Usage().TotalTokens; got != 6 {
		t.Fatalf("usage total = %d, want 6", got)
	}
}

func TestRespondRejectsEmptyText(t *testing.T) {
	client := &fakeProviderClient{createSessionID: "session-1"}
	engine := newTestEngine(t, client)

	if _, err := engine.Respond(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty text")
	}
	if client.healthCalls != 0 {
		t.Fatal("provider must not be touched for empty text")
	}
}

func TestRespondSurfacesProviderErrors(t *testing.T) {
	client := &fakeProviderClient{healthErr: errors.New("offline")}
	engine := newTestEngine(t, client)

	if _, err := engine.Respond(context.Background(), "hello"); err == nil {
		t.Fatal("expected health error")
	}

	client.healthErr = nil
	client.createSessionID = "session-1"
	client.promptErr = errors.New("rate limited")
	if _, err := engine.Respond(context.Background(), "hello"); !errors.Is(err, client.promptErr) {
		t.Fatalf("Respond error = %v, want wrapped prompt error", err)
	}
	if len(engine.Transcript()) != 0 {
		t.Fatal("failed prompts must not be recorded")
	}
}

func TestRespondSerializesPrompts(t *testing.T) {
	client := &fakeProviderClient{createSessionID: "session-1", promptResponse: "ok", promptDelay: 5 * time.Millisecond}
	engine := newTestEngine(t, client)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Respond(context.Background(), "hi"); err != nil {
				t.Errorf("Respond error: %v", err)
			}
		}()
	}
	wg.Wait()

	if client.maxInFlight != 1 {
		t.Fatalf("max in-flight prompts = %d, want 1", client.maxInFlight)
	}
	if client.createCalls != 1 {
		t.Fatalf("create calls = %d, want 1", client.createCalls)
	}
}

func TestResetOpensNewSession(t *testing.T) {
	client := &fakeProviderClient{createSessionID: "session-1", promptResponse: "ok"}
	engine := newTestEngine(t, client)

	if _, err := engine.Respond(context.Background(), "hi"); err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	engine.Reset()
	if engine.SessionID() != "" || len(engine.Transcript()) != 0 {
		t.Fatal("Reset must clear session and transcript")
	}

	if _, err := engine.Respond(context.Background(), "hi again"); err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if client.createCalls != 2 {
		t.Fatalf("create calls = %d, want 2", client.createCalls)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}
