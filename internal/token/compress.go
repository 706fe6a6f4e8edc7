package token

import (
	"strings"

	loomerrors "loom/internal/errors"
	"loom/internal/llm"
)

// Strategy selects how CompressText discards content to meet a token budget.
type Strategy string

const (
	// StrategyHeadTruncate drops content from the head, keeping the most
	// recent (trailing) sentences.
	StrategyHeadTruncate Strategy = "head_truncate"
	// StrategyTailTruncate drops content from the tail, keeping the
	// leading sentences.
	StrategyTailTruncate Strategy = "tail_truncate"
	// StrategySlidingWindow keeps both ends and drops the middle.
	StrategySlidingWindow Strategy = "sliding_window"
	// StrategyAuto tries every strategy and keeps the one that preserves
	// the most tokens within the budget.
	StrategyAuto Strategy = "auto"
)

// CompressionResult reports the outcome of one compression call. Immutable
// and purely informational apart from Text, which carries the survivor.
type CompressionResult struct {
	Text             string
	OriginalTokens   int
	CompressedTokens int
	CompressionRatio float64
	StrategyUsed     Strategy
}

// CompressText reduces text to at most targetTokens under model's encoding.
// Sentences are the minimum preservable unit: when even the strategy's
// mandatory sentence exceeds the target, a CompressionOverflowError is
// raised.
func (c *Counter) CompressText(text string, targetTokens int, strategy Strategy, model string) (CompressionResult, error) {
	original := c.CountTokens(text, model)
	if original <= targetTokens {
		return CompressionResult{
			Text:             text,
			OriginalTokens:   original,
			CompressedTokens: original,
			CompressionRatio: 1.0,
			StrategyUsed:     strategy,
		}, nil
	}

	sentences := splitSentences(text)
	counts := make([]int, len(sentences))
	minimum := 0
	for i, s := range sentences {
		counts[i] = c.CountTokens(s, model)
		if minimum == 0 || counts[i] < minimum {
			minimum = counts[i]
		}
	}

	var kept []string
	var used Strategy
	switch strategy {
	case StrategyHeadTruncate:
		kept, _ = keepTail(sentences, counts, targetTokens)
		used = StrategyHeadTruncate
	case StrategyTailTruncate:
		kept, _ = keepHead(sentences, counts, targetTokens)
		used = StrategyTailTruncate
	case StrategySlidingWindow:
		kept, _ = keepEnds(sentences, counts, targetTokens)
		used = StrategySlidingWindow
	case StrategyAuto, "":
		kept, used = bestOf(sentences, counts, targetTokens)
	default:
		return CompressionResult{}, loomerrors.NewValidationError("strategy", "unknown strategy "+string(strategy))
	}

	if len(kept) == 0 {
		return CompressionResult{}, loomerrors.NewCompressionOverflowError(targetTokens, minimum)
	}

	// Joining can re-tokenize above the per-sentence sums; shed survivors
	// until the joined text itself fits.
	compressed := strings.Join(kept, " ")
	compressedTokens := c.CountTokens(compressed, model)
	for compressedTokens > targetTokens && len(kept) > 1 {
		if used == StrategyHeadTruncate {
			kept = kept[1:]
		} else {
			kept = kept[:len(kept)-1]
		}
		compressed = strings.Join(kept, " ")
		compressedTokens = c.CountTokens(compressed, model)
	}
	if compressedTokens > targetTokens {
		return CompressionResult{}, loomerrors.NewCompressionOverflowError(targetTokens, compressedTokens)
	}

	return CompressionResult{
		Text:             compressed,
		OriginalTokens:   original,
		CompressedTokens: compressedTokens,
		CompressionRatio: float64(compressedTokens) / float64(original),
		StrategyUsed:     used,
	}, nil
}

// CompressMessages removes intermediate messages, oldest first, until the set
// fits targetTokens. System messages are kept when preserveSystem is set and
// the last preserveRecent messages are always kept. When the mandatory set
// alone exceeds the target a CompressionOverflowError is raised.
func (c *Counter) CompressMessages(messages []llm.Message, targetTokens int, preserveSystem bool, preserveRecent int, model string) ([]llm.Message, error) {
	if preserveRecent < 0 {
		preserveRecent = 0
	}
	if preserveRecent > len(messages) {
		preserveRecent = len(messages)
	}

	recentStart := len(messages) - preserveRecent
	mandatory := make([]bool, len(messages))
	for i, msg := range messages {
		if i >= recentStart {
			mandatory[i] = true
		}
		if preserveSystem && msg.Role == llm.RoleSystem {
			mandatory[i] = true
		}
	}

	var mandatorySet []llm.Message
	for i, msg := range messages {
		if mandatory[i] {
			mandatorySet = append(mandatorySet, msg)
		}
	}
	mandatoryTokens := c.CountMessagesTokens(mandatorySet, model)
	if mandatoryTokens > targetTokens {
		return nil, loomerrors.NewCompressionOverflowError(targetTokens, mandatoryTokens)
	}

	kept := make([]bool, len(messages))
	for i := range kept {
		kept[i] = true
	}

	// Drop removable messages oldest-to-newest until the survivors fit.
	for i := 0; i < len(messages); i++ {
		if c.countKept(messages, kept, model) <= targetTokens {
			break
		}
		if !mandatory[i] {
			kept[i] = false
		}
	}

	result := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if kept[i] {
			result = append(result, msg)
		}
	}
	return result, nil
}

func (c *Counter) countKept(messages []llm.Message, kept []bool, model string) int {
	var survivors []llm.Message
	for i, msg := range messages {
		if kept[i] {
			survivors = append(survivors, msg)
		}
	}
	return c.CountMessagesTokens(survivors, model)
}

// keepHead keeps leading sentences while they fit the budget, reporting the
// tokens used.
func keepHead(sentences []string, counts []int, target int) ([]string, int) {
	var kept []string
	used := 0
	for i, s := range sentences {
		if used+counts[i] > target {
			break
		}
		used += counts[i]
		kept = append(kept, s)
	}
	return kept, used
}

// keepTail keeps trailing sentences while they fit the budget, reporting the
// tokens used.
func keepTail(sentences []string, counts []int, target int) ([]string, int) {
	var kept []string
	used := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		if used+counts[i] > target {
			break
		}
		used += counts[i]
		kept = append([]string{sentences[i]}, kept...)
	}
	return kept, used
}

// keepEnds keeps sentences from both ends, alternating, and drops the middle.
func keepEnds(sentences []string, counts []int, target int) ([]string, int) {
	lo, hi := 0, len(sentences)-1
	used := 0
	keep := make([]bool, len(sentences))
	fromFront := true

	for lo <= hi {
		var idx int
		if fromFront {
			idx = lo
		} else {
			idx = hi
		}
		if used+counts[idx] > target {
			break
		}
		used += counts[idx]
		keep[idx] = true
		if fromFront {
			lo++
		} else {
			hi--
		}
		fromFront = !fromFront
	}

	var kept []string
	for i, s := range sentences {
		if keep[i] {
			kept = append(kept, s)
		}
	}
	return kept, used
}

// bestOf runs every strategy and returns the survivor set preserving the most
// tokens within the budget.
func bestOf(sentences []string, counts []int, target int) ([]string, Strategy) {
	headKept, headTokens := keepHead(sentences, counts, target)
	tailKept, tailTokens := keepTail(sentences, counts, target)
	endsKept, endsTokens := keepEnds(sentences, counts, target)

	candidates := []struct {
		kept     []string
		tokens   int
		strategy Strategy
	}{
		{headKept, headTokens, StrategyTailTruncate},
		{tailKept, tailTokens, StrategyHeadTruncate},
		{endsKept, endsTokens, StrategySlidingWindow},
	}

	var best []string
	bestStrategy := StrategyTailTruncate
	bestTokens := -1
	for _, cand := range candidates {
		if cand.tokens > bestTokens {
			best = cand.kept
			bestTokens = cand.tokens
			bestStrategy = cand.strategy
		}
	}
	return best, bestStrategy
}

// splitSentences breaks text on sentence terminators, falling back to the
// whole text when no boundary is found.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	if len(sentences) == 0 {
		sentences = []string{text}
	}
	return sentences
}
