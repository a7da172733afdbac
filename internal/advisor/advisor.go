package advisor

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"farmledger/internal/core"
)

// digestLimit caps how many transactions go into the prompt; the most recent
// records carry the signal and the rest only burn tokens.
const digestLimit = 50

const systemPrompt = "You are an expert poultry farm manager. Analyze the " +
	"farm's transaction data and answer concisely and professionally. " +
	"Format the answer as Markdown."

// Config is passed explicitly at construction, like the ledger client's.
type Config struct {
	// APIKey authenticates against the model endpoint.
	APIKey string
	// BaseURL points at an OpenAI-compatible chat-completions endpoint.
	// Empty keeps the library default.
	BaseURL string
	// Model names the model to query.
	Model string
}

// Client asks a hosted language model for a financial analysis of the
// ledger. It speaks the OpenAI chat-completions wire contract, which the
// configured provider exposes as a compatibility endpoint.
type Client struct {
	api   *openai.Client
	model string
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("advisor API key is empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("advisor model is empty")
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{api: openai.NewClientWithConfig(apiCfg), model: cfg.Model}, nil
}

// Analyze condenses the given transactions into a digest and asks the model
// the user's question, or for a general financial assessment when the
// question is empty.
func (c *Client) Analyze(ctx context.Context, txs []core.Transaction, question string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(txs, question)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("advisor request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("advisor returned no answer")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("advisor returned an empty answer")
	}
	return answer, nil
}

func buildPrompt(txs []core.Transaction, question string) string {
	if len(txs) > digestLimit {
		txs = txs[:digestLimit]
	}

	var b strings.Builder
	b.WriteString("Recent transactions of the farm:\n---\n")
	for _, t := range txs {
		fmt.Fprintf(&b, "%s: %s - %s - %d (%s)\n", t.Date, t.Type, t.Category, t.Amount, t.Note)
	}
	b.WriteString("---\n\n")

	if q := strings.TrimSpace(question); q != "" {
		fmt.Fprintf(&b, "The user asks: %q\n", q)
	} else {
		b.WriteString("Assess the farm's financial situation: comment on the profit, " +
			"the largest expenses worth optimizing, and give a short outlook.\n")
	}
	return b.String()
}
