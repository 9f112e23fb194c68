package types

import "testing"

func TestTokenUsageAdd(t *testing.T) {
	var total TokenUsage
	if !total.IsZero() {
		t.Fatal("zero value should report IsZero")
	}

	total.Add(&TokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5})
	total.Add(&TokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2, CacheReadTokens: 4})
	total.Add(nil)

	if total.InputTokens != 4 || total.OutputTokens != 3 || total.TotalTokens != 7 || total.CacheReadTokens != 4 {
		t.Fatalf("total = %+v", total)
	}
	if total.IsZero() {
		t.Fatal("accumulated usage should not be zero")
	}
}
