// Package translate turns subtitle files into another language with an LLM.
// Files are split into token-budgeted chunks, translated with bounded
// parallelism, checkpointed for crash recovery, and reassembled in the
// original segment order.
package translate

// charsPerToken approximates GPT-family tokenization. Subtitle dialogue is
// mostly short natural-language lines, where four characters per token is a
// safe overestimate-resistant ratio.
const charsPerToken = 4

// EstimateTokens approximates how many tokens text costs in a prompt.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}
