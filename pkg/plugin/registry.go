package plugin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"chatrouter/pkg/message"
)

// Category selects which registered patterns are consulted for a message.
type Category string

const (
	// Listen patterns see ambient channel chatter.
	Listen Category = "listen"
	// Respond patterns see messages directed at the bot.
	Respond Category = "respond"
)

// Message is the reply context handed to plugin handlers.
type Message interface {
	Reply(ctx context.Context, text string) error
	Send(ctx context.Context, text string) error
	Body() message.RawEvent
	ChannelID() string
	Sender() string
	Text() string
}

// Handler runs a plugin for one message; args are the pattern's capture groups.
type Handler func(ctx context.Context, msg Message, args []string) error

// Match is one pattern hit for a message.
type Match struct {
	Name     string
	Category Category
	Handler  Handler
	Args     []string
}

// Command describes a registered pattern for help output.
type Command struct {
	Name    string
	Pattern string
	Doc     string
}

type entry struct {
	category Category
	name     string
	doc      string
	pattern  *regexp.Regexp
	handler  Handler
}

// Registry holds plugin patterns in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Listen registers handler for ambient messages matching pattern.
func (r *Registry) Listen(name string, pattern string, doc string, handler Handler) error {
	return r.register(Listen, name, pattern, doc, handler)
}

// Respond registers handler for directed messages matching pattern.
func (r *Registry) Respond(name string, pattern string, doc string, handler Handler) error {
	return r.register(Respond, name, pattern, doc, handler)
}

func (r *Registry) register(category Category, name string, pattern string, doc string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("plugin name is required")
	}
	if handler == nil {
		return fmt.Errorf("plugin %s: handler is required", name)
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("plugin %s: compile pattern: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{
		category: category,
		name:     name,
		doc:      strings.TrimSpace(doc),
		pattern:  compiled,
		handler:  handler,
	})
	return nil
}

// Match returns every pattern of category found in text, in registration
// order, with capture groups as positional arguments.
func (r *Registry) Match(category Category, text string) []Match {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Match
	for _, e := range r.entries {
		if e.category != category {
			continue
		}

		groups := e.pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}

		args := make([]string, len(groups)-1)
		copy(args, groups[1:])
		matches = append(matches, Match{
			Name:     e.name,
			Category: category,
			Handler:  e.handler,
			Args:     args,
		})
	}

	return matches
}

// HasMatch reports whether any pattern of any category matches text.
func (r *Registry) HasMatch(text string) bool {
	return len(r.Match(Respond, text)) > 0 || len(r.Match(Listen, text)) > 0
}

// Commands lists the registered patterns of category.
func (r *Registry) Commands(category Category) []Command {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var commands []Command
	for _, e := range r.entries {
		if e.category != category {
			continue
		}
		commands = append(commands, Command{Name: e.name, Pattern: e.pattern.String(), Doc: e.doc})
	}
	return commands
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
