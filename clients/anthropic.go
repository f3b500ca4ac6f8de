package clients

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
)

const defaultAnthropicModel = anthropic.ModelClaude3_5HaikuLatest

// AnthropicClient is the single LLM surface shared by the ranker, the
// strategy planner and the pattern deconstructor. Complete sends one
// system+user exchange and returns the text reply.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient returns nil when no key resolves; callers treat a nil
// client as "LLM disabled" and use their fallbacks.
func NewAnthropicClient(secrets config.SecretResolver) *AnthropicClient {
	apiKey := secrets.Resolve(config.SecretAnthropicAPIKey)
	if apiKey == "" {
		return nil
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultAnthropicModel,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindTransient, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", xerrors.Failf(xerrors.KindProtocol, "model returned no text blocks")
	}
	return sb.String(), nil
}
