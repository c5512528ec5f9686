package catalog

import (
	"fmt"
	"os"
	"strings"
)

// DefaultMaxTextLength is the largest chapter text, in characters, sent to a provider.
const DefaultMaxTextLength = 20000

// ReadText loads the chapter text for item, trimmed and truncated to maxLen characters.
// A maxLen of zero or less disables truncation.
func ReadText(item WorkItem, maxLen int) (string, error) {
	data, err := os.ReadFile(item.SourceTextPath)
	if err != nil {
		return "", fmt.Errorf("read chapter %s: %w", item.ID(), err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("chapter %s is empty", item.ID())
	}
	if maxLen > 0 {
		runes := []rune(text)
		if len(runes) > maxLen {
			text = string(runes[:maxLen])
		}
	}
	return text, nil
}
