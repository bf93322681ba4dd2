package llm

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// CountTokens returns the cl100k_base token count of text. If the codec is
// unavailable it falls back to four characters per token.
func CountTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// PruneLinesFromTop drops whole lines from the start of text until it fits
// in maxTokens.
func PruneLinesFromTop(text string, maxTokens int) string {
	lines := strings.Split(text, "\n")
	total, counts := lineTokens(lines)
	i := 0
	for total > maxTokens && i < len(lines) {
		total -= counts[i]
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// PruneLinesFromBottom drops whole lines from the end of text until it fits
// in maxTokens.
func PruneLinesFromBottom(text string, maxTokens int) string {
	lines := strings.Split(text, "\n")
	total, counts := lineTokens(lines)
	n := len(lines)
	for total > maxTokens && n > 0 {
		n--
		total -= counts[n]
	}
	return strings.Join(lines[:n], "\n")
}

// lineTokens counts each line plus its newline.
func lineTokens(lines []string) (int, []int) {
	counts := make([]int, len(lines))
	total := 0
	for i, l := range lines {
		counts[i] = CountTokens(l) + 1
		total += counts[i]
	}
	return total, counts
}
