package gateway

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(text string) int {
	return ceilQuarter(utf8.RuneCountInString(text))
}

// EstimateUsage estimates usage for a prompt and its completion when the
// provider reports none. The total is taken over the combined length, so it
// can be one less than prompt plus completion.
func EstimateUsage(messages []*schema.Message, completion string) Usage {
	promptChars := 0
	for _, m := range messages {
		if m != nil {
			promptChars += utf8.RuneCountInString(m.Content)
		}
	}
	completionChars := utf8.RuneCountInString(completion)
	return Usage{
		PromptTokens:     ceilQuarter(promptChars),
		CompletionTokens: ceilQuarter(completionChars),
		TotalTokens:      ceilQuarter(promptChars + completionChars),
	}
}

func ceilQuarter(n int) int {
	return (n + 3) / 4
}
