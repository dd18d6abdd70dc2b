package channel

import "strings"

// Split chunks outbound text to a platform's maximum message size. It prefers
// splitting at the last newline at-or-before the limit, then the last space,
// and hard-cuts only when neither exists. A newline consumed at a split point
// is dropped from the start of the remainder; chunks are sent in order as
// separate messages.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	chunks := make([]string, 0, len(text)/limit+1)
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		splitAt := strings.LastIndexByte(remaining[:limit+1], '\n')
		if splitAt <= 0 {
			splitAt = strings.LastIndexByte(remaining[:limit+1], ' ')
		}
		if splitAt <= 0 {
			splitAt = limit
		}
		chunks = append(chunks, remaining[:splitAt])
		remaining = strings.TrimPrefix(remaining[splitAt:], "\n")
	}
	return chunks
}
