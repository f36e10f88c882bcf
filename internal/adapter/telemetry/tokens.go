package telemetry

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"leadflow/internal/domain"
)

const (
	// cl100k_base covers the GPT-4 family and approximates Claude closely
	// enough for cost accounting.
	estimatorEncoding = "cl100k_base"

	// Character heuristic when the encoding cannot be loaded (offline, no
	// cached BPE files). 4 chars per token is the usual approximation.
	fallbackCharsPerToken = 4

	// Chat framing cost charged per message on top of its content.
	perMessageOverhead = 4
)

type tokenEncoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// TokenEstimator approximates token usage for provider responses that omit
// a usage block. Records built from it carry Estimated=true so cost reports
// can distinguish measured from guessed.
type TokenEstimator struct {
	mu    sync.Mutex
	enc   tokenEncoder
	tried bool
}

func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

// Count estimates the token count of a single text.
func (e *TokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
}

// EstimateMessages estimates the prompt cost of a message list, including
// tool call payloads and a per-message framing overhead.
func (e *TokenEstimator) EstimateMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + e.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += e.Count(tc.Name) + e.Count(string(tc.Arguments))
		}
	}
	return total
}

// encoder lazily loads the tiktoken encoding. tiktoken fetches BPE files on
// first use; a load failure is permanent for this process and the estimator
// stays on the character heuristic.
func (e *TokenEstimator) encoder() tokenEncoder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tried {
		e.tried = true
		if enc, err := tiktoken.GetEncoding(estimatorEncoding); err == nil {
			e.enc = enc
		}
	}
	return e.enc
}
