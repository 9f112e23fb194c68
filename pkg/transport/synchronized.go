package transport

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"chatrouter/pkg/message"
)

// Synced serializes outbound sends on a shared transport and paces them
// with a token bucket. Reads pass through untouched.
type Synced struct {
	Transport

	limiter *rate.Limiter
	sendMu  sync.Mutex
}

// Synchronized wraps t for concurrent use by worker goroutines. A nil
// limiter disables pacing.
func Synchronized(t Transport, limiter *rate.Limiter) *Synced {
	if synced, ok := t.(*Synced); ok {
		return synced
	}

	return &Synced{Transport: t, limiter: limiter}
}

func (s *Synced) SendMessage(ctx context.Context, channelID string, text string, attachments []Attachment) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for send slot: %w", err)
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.Transport.SendMessage(ctx, channelID, text, attachments)
}

func (s *Synced) FindUserByName(ctx context.Context, name string) (string, error) {
	finder, ok := s.Transport.(UserFinder)
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrUserNotFound)
	}
	return finder.FindUserByName(ctx, name)
}

func (s *Synced) ChannelName(ctx context.Context, channelID string) (string, error) {
	namer, ok := s.Transport.(ChannelNamer)
	if !ok {
		return channelID, nil
	}
	return namer.ChannelName(ctx, channelID)
}

// PollEvents is explicit so the embedded transport's batch is returned as is.
func (s *Synced) PollEvents(ctx context.Context) ([]message.RawEvent, error) {
	return s.Transport.PollEvents(ctx)
}

// Unwrap returns the wrapped transport.
func (s *Synced) Unwrap() Transport {
	return s.Transport
}
