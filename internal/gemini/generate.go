package gemini

import (
	"context"
	"fmt"
	"strings"

	. "github.com/ynishimura/guildrag/internal/logging"
	"google.golang.org/genai"
)

// Generation parameters for answering. Low temperature keeps answers
// grounded in the retrieved context.
const (
	genTemperature     = 0.3
	genTopP            = 0.9
	genMaxOutputTokens = 2048
)

// Generate produces an answer for the assembled prompt. All returned
// content parts are concatenated into one string.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	temp := float32(genTemperature)
	topP := float32(genTopP)

	resp, err := c.pick().Models.GenerateContent(ctx, c.cfg.ChatModel,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			Temperature:     &temp,
			TopP:            &topP,
			MaxOutputTokens: genMaxOutputTokens,
		},
	)
	if err != nil {
		L_error("gemini: generate failed", "error", err)
		return "", err
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("empty generation response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}
