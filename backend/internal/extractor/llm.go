package extractor

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"synthmemory/backend/internal/state"
	"synthmemory/backend/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Completer is the slice of the LLM adapter the extractor needs
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMsg string, jsonMode bool) (string, error)
}

// LLMExtractor asks a chat model for entities as JSON. It holds no
// per-call state, so an abandoned call cannot corrupt later ones.
type LLMExtractor struct {
	llm    Completer
	logger *zap.Logger
}

// NewLLM creates an LLM-backed extractor
func NewLLM(llm Completer) *LLMExtractor {
	return &LLMExtractor{
		llm:    llm,
		logger: logger.Component("extractor"),
	}
}

const extractionPrompt = `You extract named entities from text.
Return a JSON object {"entities": [{"text": "...", "label": "...", "score": 0.0}]}.
Only use these labels: %s.
"text" is the exact span from the input. "score" is your confidence between 0 and 1.
Return {"entities": []} when nothing matches.`

type llmResponse struct {
	Entities []state.ExtractedEntity `json:"entities"`
}

// Extract returns entities whose label is in labels and whose score is at
// least threshold. Entities without a score are kept.
func (e *LLMExtractor) Extract(ctx context.Context, text string, labels []string, threshold float64) ([]state.ExtractedEntity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	raw, err := e.llm.Complete(ctx, fmt.Sprintf(extractionPrompt, strings.Join(labels, ", ")), text, true)
	if err != nil {
		return nil, fmt.Errorf("failed to extract entities: %w", err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	allowed := make(map[string]string, len(labels))
	for _, l := range labels {
		allowed[strings.ToUpper(l)] = l
	}

	out := make([]state.ExtractedEntity, 0, len(resp.Entities))
	for _, ent := range resp.Entities {
		ent.Text = strings.TrimSpace(ent.Text)
		if ent.Text == "" {
			continue
		}
		label, ok := allowed[strings.ToUpper(ent.Label)]
		if len(allowed) > 0 && !ok {
			continue
		}
		if ok {
			ent.Label = label
		}
		if ent.Score != 0 && ent.Score < threshold {
			continue
		}
		out = append(out, ent)
	}

	e.logger.Debug("Entities extracted",
		zap.Int("returned", len(resp.Entities)),
		zap.Int("kept", len(out)),
	)
	return out, nil
}

// stripFences removes a markdown code fence some models wrap JSON in
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
