package fallback

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/michalfoune/rizma-voice/pkg/convo"
)

// Completion and speech defaults.
const (
	DefaultChatModel   = "gpt-4o-mini"
	DefaultMaxTokens   = 220
	DefaultTemperature = 0.7
	DefaultSpeechModel = "tts-1"
	DefaultVoice       = "marin"
	DefaultAudioFormat = "mp3"
)

// OpenAIClient implements Completer and Synthesizer against the OpenAI HTTP
// API (or a compatible proxy via base URL override).
type OpenAIClient struct {
	client openai.Client

	chatModel   string
	speechModel string
	voice       string
	maxTokens   int64
	temperature float64
}

// OpenAIOption configures NewOpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithChatModel overrides the completion model.
func WithChatModel(model string) OpenAIOption {
	return func(c *OpenAIClient) { c.chatModel = model }
}

// WithSpeechModel overrides the synthesis model.
func WithSpeechModel(model string) OpenAIOption {
	return func(c *OpenAIClient) { c.speechModel = model }
}

// WithVoice overrides the synthesis voice.
func WithVoice(voice string) OpenAIOption {
	return func(c *OpenAIClient) { c.voice = voice }
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int64) OpenAIOption {
	return func(c *OpenAIClient) { c.maxTokens = n }
}

// NewOpenAIClient creates a client. baseURL may be empty for the default
// endpoint, or point at a proxy that holds the real credential.
func NewOpenAIClient(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIClient {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	c := &OpenAIClient{
		client:      openai.NewClient(reqOpts...),
		chatModel:   DefaultChatModel,
		speechModel: DefaultSpeechModel,
		voice:       DefaultVoice,
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete fetches a chat completion for the context window.
func (c *OpenAIClient) Complete(ctx context.Context, messages []convo.ContextMessage) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.chatModel),
		Messages:    toUnionMessages(messages),
		MaxTokens:   openai.Int(c.maxTokens),
		Temperature: openai.Float(c.temperature),
	}
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("fallback: chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("fallback: chat completion returned no choices")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

func toUnionMessages(messages []convo.ContextMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// Synthesize renders text to encoded audio.
func (c *OpenAIClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(c.speechModel),
		Voice:          openai.AudioSpeechNewParamsVoice(c.voice),
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(DefaultAudioFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("fallback: speech synthesis: %w", err)
	}
	defer resp.Body.Close()
	clip, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fallback: read speech response: %w", err)
	}
	return clip, nil
}

// Summarizer returns a convo.Summarizer backed by the chat completion
// endpoint, for folding older turns into the running summary.
func (c *OpenAIClient) Summarizer() convo.Summarizer {
	return func(ctx context.Context, existingSummary, contextText string) (string, error) {
		messages := []convo.ContextMessage{
			{Role: "system", Content: "Condense the conversation below into a short factual summary. " +
				"Keep names, preferences and open tasks. Reply with the summary only."},
		}
		if existingSummary != "" {
			messages = append(messages, convo.ContextMessage{
				Role:    "user",
				Content: "Current summary:\n" + existingSummary,
			})
		}
		messages = append(messages, convo.ContextMessage{
			Role:    "user",
			Content: "Conversation to fold in:\n" + contextText,
		})
		return c.Complete(ctx, messages)
	}
}
