package profile

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

const (
	// DefaultPersona mirrors the responder the bot shipped with.
	DefaultPersona = "alice"
	// NonePersona sends no system prompt.
	NonePersona = "none"

	providerOpenCode = "opencode"
)

//go:embed templates/*.md
var templatesFS embed.FS

// Resolve returns the system prompt for persona. An empty persona picks the
// default, except on opencode where the server-side agent supplies its own.
func Resolve(persona string, provider string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(persona))
	switch {
	case name == NonePersona:
		return "", nil
	case name == "" && strings.EqualFold(strings.TrimSpace(provider), providerOpenCode):
		return "", nil
	case name == "":
		name = DefaultPersona
	}

	content, err := templatesFS.ReadFile(templatePath(name))
	if err != nil {
		return "", fmt.Errorf("load %s persona template: %w", name, err)
	}

	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", fmt.Errorf("persona template %q is empty", name)
	}

	return text, nil
}

// Names lists the embedded personas.
func Names() []string {
	entries, err := fs.ReadDir(templatesFS, "templates")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), ".md"))
	}
	sort.Strings(names)
	return names
}

func templatePath(name string) string {
	return "templates/" + strings.TrimSpace(name) + ".md"
}
