package profile

import (
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Run("empty persona on opencode returns empty profile", func(t *testing.T) {
		content, err := Resolve("", "opencode")
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if content != "" {
			t.Fatalf("content = %q, want empty", content)
		}
	})

	t.Run("empty persona defaults to alice", func(t *testing.T) {
		content, err := Resolve("", "openai")
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if !strings.Contains(content, "Alice") {
			t.Fatalf("expected alice persona, got %q", content)
		}
	})

	t.Run("named persona", func(t *testing.T) {
		content, err := Resolve(" Standard ", "opencode")
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if content == "" {
			t.Fatal("expected non-empty persona")
		}
	})

	t.Run("none disables the system prompt", func(t *testing.T) {
		content, err := Resolve("none", "openai")
		if err != nil || content != "" {
			t.Fatalf("Resolve(none) = %q, %v", content, err)
		}
	})

	t.Run("unknown persona", func(t *testing.T) {
		if _, err := Resolve("marvin", "openai"); err == nil {
			t.Fatal("expected error for unknown persona")
		}
	})
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != 2 || names[0] != "alice" || names[1] != "standard" {
		t.Fatalf("Names() = %v, want [alice standard]", names)
	}
}

func TestTemplatePath(t *testing.T) {
	if got := templatePath("alice"); got != "templates/alice.md" {
		t.Fatalf("templatePath(alice) = %q, want %q", got, "templates/alice.md")
	}
}
