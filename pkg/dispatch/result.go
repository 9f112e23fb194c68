package dispatch

import "fmt"

// Result is the outcome of one plugin invocation. A nil Err means Ok.
type Result struct {
	Plugin string
	Err    error
	Trace  string
}

func (r Result) Ok() bool {
	return r.Err == nil
}

// FaultReply renders the chat report for a failed plugin.
func FaultReply(plugin string, text string, trace string) string {
	return fmt.Sprintf("[%s] I have problem when handling \"%s\"\n", plugin, text) +
		fmt.Sprintf("```\n%s\n```", trace)
}
