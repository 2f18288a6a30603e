// Package openai provides an Extractor backed by the OpenAI chat completions
// API with strict structured outputs.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

// DefaultModel is the first model family that supports strict json_schema
// response formats.
const DefaultModel = "gpt-4o-2024-08-06"

// Extractor implements extract.Extractor using the OpenAI API.
type Extractor struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the extractor.
type config struct {
	model        string
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Extractor.
type Option func(*config)

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the SDK retries a failed request. Negative
// values keep the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI Extractor.
func New(apiKey string, opts ...Option) (*Extractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: DefaultModel, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Extractor{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Model returns the configured model name.
func (e *Extractor) Model() string { return e.model }

// Extract implements extract.Extractor.
func (e *Extractor) Extract(ctx context.Context, transcript string) (extract.CallDetails, error) {
	resp, err := e.client.Chat.Completions.New(ctx, e.buildParams(transcript))
	if err != nil {
		return extract.CallDetails{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return extract.CallDetails{}, fmt.Errorf("openai: empty choices in response")
	}

	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return extract.CallDetails{}, fmt.Errorf("openai: model refused extraction: %s", msg.Refusal)
	}
	details, err := extract.ParseDetails(msg.Content)
	if err != nil {
		return extract.CallDetails{}, fmt.Errorf("openai: %w", err)
	}
	return details, nil
}

// buildParams assembles the request: system instruction, the transcript as
// the user message and the strict extraction schema.
func (e *Extractor) buildParams(transcript string) oai.ChatCompletionNewParams {
	return oai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(extract.SystemPrompt),
			oai.UserMessage(transcript),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   extract.SchemaName,
					Schema: extract.Schema(),
					Strict: param.NewOpt(true),
				},
			},
		},
	}
}
