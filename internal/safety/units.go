package safety

import (
	"strings"
	"unicode/utf8"

	"github.com/PoYuTsai/VibeSync/internal/analysis"
)

// charsPerUnit is the number of characters billed as one message unit.
const charsPerUnit = 200

// CountUnits returns the message units of a request: each message costs
// ceil(trimmed length / 200) with a minimum of one, and a request costs at
// least one unit.
func CountUnits(messages []analysis.Message) int {
	total := 0
	for _, m := range messages {
		n := utf8.RuneCountInString(strings.TrimSpace(m.Content))
		total += max(1, (n+charsPerUnit-1)/charsPerUnit)
	}
	return max(1, total)
}
