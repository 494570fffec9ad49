package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible invoker. BaseURL may point
// at any compatible endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// OpenAIInvoker implements Invoker against an OpenAI-compatible chat
// completion API.
type OpenAIInvoker struct {
	client *openai.Client
	config OpenAIConfig
}

func NewOpenAIInvoker(config OpenAIConfig) *OpenAIInvoker {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	return &OpenAIInvoker{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

// Invoke sends the prompt with the context payload rendered as a system
// message and maps the completion into a Result. When the API reports no
// usage, the token count is estimated and flagged approximate.
func (o *OpenAIInvoker) Invoke(ctx context.Context, prompt string, contextPayload any) (*Result, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system := renderContext(contextPayload); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Messages:    messages,
		MaxTokens:   o.config.MaxTokens,
		Temperature: float32(o.config.Temperature),
	})
	if err != nil {
		return nil, errors.Wrap(err, "agent: chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("agent: empty completion response")
	}

	response := resp.Choices[0].Message.Content
	result := &Result{
		Response:        response,
		DisplayResponse: response,
		Tokens:          resp.Usage.TotalTokens,
	}
	if result.Tokens == 0 {
		result.Tokens = estimateTokens(prompt) + estimateTokens(response)
		result.TokensApproximate = true
	}
	if raw, err := json.Marshal(resp); err == nil {
		result.Raw = raw
	}
	return result, nil
}

// renderContext serializes the opaque per-target context for the model.
func renderContext(contextPayload any) string {
	if contextPayload == nil {
		return ""
	}
	if s, ok := contextPayload.(string); ok {
		return s
	}
	b, err := json.Marshal(contextPayload)
	if err != nil {
		return ""
	}
	return "Context for this request:\n" + string(b)
}

// estimateTokens is a rough whitespace-based count used only when the API
// does not report usage.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}
