package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

const (
	promptSystemMessage = "You are a creative assistant that generates descriptive image prompts. Keep the prompts concise but vivid."
	promptUserFormat    = "Generate a detailed image prompt for: %s"
	promptTemperature   = 0.7
	promptMaxTokens     = 100
)

// groqPrompter enhances text through Groq's OpenAI-compatible chat completions API.
type groqPrompter struct {
	client *openai.Client
	model  string
}

func newGroqPrompter(apiKey, baseURL, model string, httpClient *http.Client) *groqPrompter {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return &groqPrompter{client: openai.NewClientWithConfig(clientConfig), model: model}
}

func (g *groqPrompter) GeneratePrompt(ctx context.Context, text string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: promptSystemMessage},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(promptUserFormat, text)},
		},
		Temperature: promptTemperature,
		MaxTokens:   promptMaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return "", fmt.Errorf("groq: %s: %w", apiErr.Message, err)
		}
		return "", fmt.Errorf("groq: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("groq: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// geminiPrompter enhances text with a Gemini flash model through langchaingo.
type geminiPrompter struct {
	model llms.Model
}

func newGeminiPrompter(ctx context.Context, apiKey, model, apiEndpoint string) (*geminiPrompter, error) {
	opts := []googleai.Option{googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model)}
	if apiEndpoint != "" {
		if hc := httpClientForEndpoint(apiEndpoint); hc != nil {
			opts = append(opts, googleai.WithHTTPClient(hc))
		}
	}
	llm, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init gemini prompt model: %w", err)
	}
	return &geminiPrompter{model: llm}, nil
}

func (g *geminiPrompter) GeneratePrompt(ctx context.Context, text string) (string, error) {
	prompt := promptSystemMessage + "\n\n" + fmt.Sprintf(promptUserFormat, text) + "\n\nReturn ONLY the image prompt, no explanations."
	response, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt,
		llms.WithTemperature(promptTemperature),
		llms.WithMaxTokens(promptMaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return response, nil
}
