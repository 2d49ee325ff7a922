package translate

import "strings"

// EstimateTokens applies the character-based heuristic documented as §9(i):
// normalize whitespace, then one token per four characters, rounded up to
// at least one. It is used for /v1/messages/count_tokens, for backfilling
// usage when an upstream omits it, and for per-fragment streaming
// estimation, so the total = input + output invariant holds even when no
// upstream usage block is ever seen.
func EstimateTokens(text string) int {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return 1
	}

	tokens := (len(normalized) + 3) / 4
	if tokens < 1 {
		tokens = 1
	}

	return tokens
}

// EstimateRequestInputTokens walks a Claude request's system prompt and
// message content, summing character counts before estimating, rather than
// estimating each field independently and summing token counts (which
// would round up once per field instead of once for the whole request).
func EstimateRequestInputTokens(systemText string, messageTexts []string) int {
	var b strings.Builder

	b.WriteString(systemText)

	for _, m := range messageTexts {
		b.WriteString(m)
	}

	return EstimateTokens(b.String())
}
