// Package builtin registers the plugins that ship with the router.
package builtin

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"chatrouter/pkg/plugin"
)

// Resetter forgets conversational state.
type Resetter interface {
	Reset()
}

type Options struct {
	// Fallback backs the forget command; nil disables it.
	Fallback  Resetter
	StartedAt time.Time
}

type definition struct {
	name     string
	category plugin.Category
	pattern  string
	doc      string
	build    func(registry *plugin.Registry, opts Options) plugin.Handler
}

var definitions = []definition{
	{name: "help", category: plugin.Respond, pattern: `(?i)^help$`, doc: "list the commands I answer", build: helpHandler},
	{name: "ping", category: plugin.Respond, pattern: `(?i)^ping$`, doc: "check that I am alive", build: func(*plugin.Registry, Options) plugin.Handler { return ping }},
	{name: "echo", category: plugin.Respond, pattern: `(?is)^echo\s+(.+)$`, doc: "repeat the text back", build: func(*plugin.Registry, Options) plugin.Handler { return echo }},
	{name: "whoami", category: plugin.Respond, pattern: `(?i)^whoami$`, doc: "show who I think you are", build: func(*plugin.Registry, Options) plugin.Handler { return whoami }},
	{name: "uptime", category: plugin.Respond, pattern: `(?i)^uptime$`, doc: "show how long I have been running", build: uptimeHandler},
	{name: "forget", category: plugin.Respond, pattern: `(?i)^forget$`, doc: "start a fresh conversation", build: forgetHandler},
}

// Names lists the builtin plugins in registration order.
func Names() []string {
	names := make([]string, 0, len(definitions))
	for _, def := range definitions {
		names = append(names, def.name)
	}
	return names
}

// Register adds the enabled builtins to registry. An empty enabled list
// registers all of them.
func Register(registry *plugin.Registry, enabled []string, opts Options) error {
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}

	for _, name := range enabled {
		if !slices.Contains(Names(), strings.ToLower(strings.TrimSpace(name))) {
			return fmt.Errorf("unknown builtin plugin %q", name)
		}
	}

	for _, def := range definitions {
		if !isEnabled(def.name, enabled) {
			continue
		}
		if def.name == "forget" && opts.Fallback == nil {
			continue
		}

		handler := def.build(registry, opts)
		var err error
		switch def.category {
		case plugin.Listen:
			err = registry.Listen(def.name, def.pattern, def.doc, handler)
		default:
			err = registry.Respond(def.name, def.pattern, def.doc, handler)
		}
		if err != nil {
			return fmt.Errorf("register %s: %w", def.name, err)
		}
	}
	return nil
}

func isEnabled(name string, enabled []string) bool {
	if len(enabled) == 0 {
		return true
	}
	for _, candidate := range enabled {
		if strings.EqualFold(strings.TrimSpace(candidate), name) {
			return true
		}
	}
	return false
}

func helpHandler(registry *plugin.Registry, _ Options) plugin.Handler {
	return func(ctx context.Context, msg plugin.Message, _ []string) error {
		lines := []string{"You can ask me one of the following questions:"}
		for _, cmd := range registry.Commands(plugin.Respond) {
			lines = append(lines, strings.TrimRight(fmt.Sprintf("    • `%s` %s", cmd.Pattern, cmd.Doc), " "))
		}
		return msg.Reply(ctx, strings.Join(lines, "\n"))
	}
}

func ping(ctx context.Context, msg plugin.Message, _ []string) error {
	return msg.Reply(ctx, "pong")
}

func echo(ctx context.Context, msg plugin.Message, args []string) error {
	if len(args) == 0 {
		return nil
	}
	return msg.Send(ctx, strings.TrimSpace(args[0]))
}

func whoami(ctx context.Context, msg plugin.Message, _ []string) error {
	return msg.Reply(ctx, fmt.Sprintf("you are %s in %s", msg.Sender(), msg.ChannelID()))
}

func uptimeHandler(_ *plugin.Registry, opts Options) plugin.Handler {
	return func(ctx context.Context, msg plugin.Message, _ []string) error {
		uptime := time.Since(opts.StartedAt).Truncate(time.Second)
		return msg.Reply(ctx, "up for "+uptime.String())
	}
}

func forgetHandler(_ *plugin.Registry, opts Options) plugin.Handler {
	return func(ctx context.Context, msg plugin.Message, _ []string) error {
		opts.Fallback.Reset()
		return msg.Reply(ctx, "ok, starting over")
	}
}
