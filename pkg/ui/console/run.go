package console

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	transportconsole "chatrouter/pkg/transport/console"
)

const defaultReplyTimeout = 2 * time.Minute

// Conversation is the local end of the console transport.
type Conversation interface {
	Type(text string)
	Outbox() <-chan transportconsole.Outbound
}

// Info is shown in the header.
type Info struct {
	BotName  string
	UserName string
	Provider string
	Model    string
	Plugins  int
}

type Options struct {
	Info Info
	// ReplyTimeout bounds how long a typed line waits for an answer.
	ReplyTimeout time.Duration
}

func RunInteractive(ctx context.Context, conv Conversation, opts Options) error {
	initial := newModel(ctx, conv, modeInteractive, "", opts)
	program := tea.NewProgram(initial, tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner(opts.Info.BotName))
	return nil
}

// RunOneShot sends line and renders the first reply.
func RunOneShot(ctx context.Context, conv Conversation, line string, opts Options) error {
	initial := newModel(ctx, conv, modeOneShot, line, opts)
	program := tea.NewProgram(initial)
	final, err := program.Run()
	if err != nil {
		return err
	}

	return oneShotResult(final)
}

// oneShotResult reports the error a finished one-shot model ended with.
func oneShotResult(final tea.Model) error {
	if m, ok := final.(*model); ok && m.lastErr != "" {
		return errors.New(m.lastErr)
	}
	return nil
}

func renderGoodbyeBanner(botName string) string {
	if botName == "" {
		botName = "chatrouter"
	}

	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("Signed off from " + botName)
}
