package agent

import (
	"github.com/pkoukk/tiktoken-go"

	"compass/internal/agent/ports"
)

// tokenCounter measures prompt size so history pruning works in tokens, not
// message counts. When the encoding cannot be loaded (offline environments)
// it falls back to a bytes/4 heuristic.
type tokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &tokenCounter{}
	}
	return &tokenCounter{encoding: enc}
}

func (c *tokenCounter) count(text string) int {
	if c.encoding == nil {
		return len(text)/4 + 1
	}
	return len(c.encoding.Encode(text, nil, nil))
}

func (c *tokenCounter) countMessage(m ports.Message) int {
	// Small per-message overhead for role and framing tokens.
	n := 4 + c.count(m.Content)
	for _, tc := range m.ToolCalls {
		n += c.count(tc.Name) + 8
	}
	return n
}

// prune keeps the newest messages that fit the token budget, never
// splitting below one message.
func (c *tokenCounter) prune(msgs []ports.Message, maxTokens int) []ports.Message {
	if maxTokens <= 0 || len(msgs) == 0 {
		return msgs
	}

	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := c.countMessage(msgs[i])
		if total+cost > maxTokens && start < len(msgs) {
			break
		}
		total += cost
		start = i
	}
	return msgs[start:]
}
