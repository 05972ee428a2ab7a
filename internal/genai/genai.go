// Package genai generates song lyrics for leads through the OpenAI chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultModel               = string(openai.ChatModelGPT4oMini)
	DefaultTemperature         = 0.7
	DefaultMaxCompletionTokens = 800
)

// DefaultSystemPrompt frames the model as a songwriter writing in Spanish.
const DefaultSystemPrompt = `Eres un compositor profesional. Escribes letras de canciones personalizadas en español, ` +
	`con título, estrofas y coro, en texto plano y sin comentarios adicionales.`

var (
	ErrNoAPIKey          = errors.New("OpenAI API key not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyContent      = errors.New("model returned empty content")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChatService adapts the SDK client to chatService.
type openAIChatService struct {
	client openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	SystemPrompt        string
}

// Option is a functional option for configuring the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithMaxCompletionTokens caps the length of a generated lyric.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) {
		o.MaxCompletionTokens = n
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) {
		o.SystemPrompt = prompt
	}
}

// Client wraps the OpenAI chat completion service for generating lyrics.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	systemPrompt        string
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIKey:              os.Getenv("OPENAI_API_KEY"),
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		SystemPrompt:        DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	svc := &openAIChatService{client: openai.NewClient(option.WithAPIKey(cfg.APIKey))}
	return &Client{
		chat:                svc,
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		systemPrompt:        cfg.SystemPrompt,
	}, nil
}

// GenerateText returns the model's reply to a system and user prompt pair.
func (c *Client) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyContent
	}
	slog.Debug("Client.GenerateText: completion received", "model", c.model, "chars", len(content))
	return content, nil
}

// GenerateLyric writes a lyric for the record's form answers.
func (c *Client) GenerateLyric(ctx context.Context, rec models.LyricRecord) (string, error) {
	return c.GenerateText(ctx, c.systemPrompt, LyricPrompt(rec))
}

// LyricPrompt builds the user prompt for a lyric record. Answers are listed in key order.
func LyricPrompt(rec models.LyricRecord) string {
	var b strings.Builder
	name := rec.Name
	if name == "" {
		name = "la persona"
	}
	fmt.Fprintf(&b, "Escribe una canción personalizada para %s.\n", name)

	keys := make([]string, 0, len(rec.Answers))
	for k := range rec.Answers {
		if strings.TrimSpace(rec.Answers[k]) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("Utiliza la siguiente información del formulario:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  - %s: %s\n", k, strings.TrimSpace(rec.Answers[k]))
		}
	}
	b.WriteString("Entrega solo la letra completa, lista para enviarse por WhatsApp.")
	return b.String()
}
