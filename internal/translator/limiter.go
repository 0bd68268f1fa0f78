package translator

import (
	"fmt"
	"unicode/utf8"
)

// toolOutputLimiter caps tool-result text. Each result is bounded per call
// and the whole request shares a total budget; oversized text keeps a head
// slice plus a short tail around an elision marker.
type toolOutputLimiter struct {
	perCall int
	total   int
	tail    int
	used    int
}

func newToolOutputLimiter(perCall, total, tail int) *toolOutputLimiter {
	if perCall <= 0 {
		perCall = 30_000
	}
	if total <= 0 {
		total = 150_000
	}
	if tail <= 0 {
		tail = 2_000
	}
	return &toolOutputLimiter{perCall: perCall, total: total, tail: tail}
}

// Apply trims one tool result against both budgets and charges the total.
func (l *toolOutputLimiter) Apply(text string) string {
	limit := l.perCall
	if remaining := l.total - l.used; remaining < limit {
		limit = remaining
	}
	if limit < l.tail*2 {
		limit = l.tail * 2
	}
	out := truncateMiddle(text, limit, l.tail)
	l.used += len(out)
	return out
}

// truncateMiddle keeps a head slice and the last tail bytes with a marker
// stating how much was dropped. Both cuts land on rune boundaries so
// multi-byte text never splits.
func truncateMiddle(text string, limit, tail int) string {
	if len(text) <= limit {
		return text
	}
	head := limit - tail
	if head < 0 {
		head = 0
	}
	for head > 0 && !utf8.RuneStart(text[head]) {
		head--
	}
	tailStart := len(text) - tail
	for tailStart < len(text) && !utf8.RuneStart(text[tailStart]) {
		tailStart++
	}
	dropped := tailStart - head
	marker := fmt.Sprintf("\n\n[... %d characters truncated ...]\n\n", dropped)
	return text[:head] + marker + text[tailStart:]
}
