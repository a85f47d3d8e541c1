package airouter

// EstimateTokens provides a rough token count for the given text parts.
// Uses the approximation: ~4 chars per token + overhead per part. Adapters
// fall back to it when a backend omits usage data, so token budgets still
// advance instead of silently recording zero.
func EstimateTokens(parts ...string) int64 {
	var total int64
	for _, p := range parts {
		// ~4 chars per token
		total += int64(len(p)) / 4
		// overhead per part (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}

// EstimateUsage builds a Usage from estimated prompt and completion sizes.
func EstimateUsage(systemPrompt, userPrompt, completion string) Usage {
	in := EstimateTokens(systemPrompt, userPrompt)
	out := EstimateTokens(completion)
	return Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}
