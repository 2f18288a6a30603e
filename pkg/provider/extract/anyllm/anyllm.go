// Package anyllm provides an Extractor backed by
// github.com/mozilla-ai/any-llm-go, so extraction can run on OpenAI,
// Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp or llamafile.
//
// Not every backend supports strict structured outputs, so the model is
// instructed to answer with a bare JSON object matching the extraction schema
// and the answer is parsed leniently.
//
// Usage:
//
//	e, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	e, err := anyllm.New("ollama", "llama3.1", anyllmlib.WithBaseURL("http://localhost:11434"))
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

// Providers lists the backend names accepted by [New].
var Providers = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Extractor implements extract.Extractor by wrapping an any-llm-go provider.
type Extractor struct {
	backend  anyllmlib.Provider
	provider string
	model    string
	prompt   string
}

// New creates an Extractor for the named backend.
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the backend falls back to
// its usual environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, …).
func New(providerName, model string, opts ...anyllmlib.Option) (*Extractor, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Extractor{
		backend:  backend,
		provider: strings.ToLower(providerName),
		model:    model,
		prompt:   jsonPrompt(),
	}, nil
}

// Name returns "<provider>/<model>".
func (e *Extractor) Name() string { return e.provider + "/" + e.model }

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Providers, ", "))
	}
}

// Extract implements extract.Extractor.
func (e *Extractor) Extract(ctx context.Context, transcript string) (extract.CallDetails, error) {
	resp, err := e.backend.Completion(ctx, e.buildParams(transcript))
	if err != nil {
		return extract.CallDetails{}, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return extract.CallDetails{}, fmt.Errorf("anyllm: empty choices in response")
	}

	details, err := extract.ParseDetails(resp.Choices[0].Message.ContentString())
	if err != nil {
		return extract.CallDetails{}, fmt.Errorf("anyllm: %w", err)
	}
	return details, nil
}

func (e *Extractor) buildParams(transcript string) anyllmlib.CompletionParams {
	temperature := 0.0
	return anyllmlib.CompletionParams{
		Model: e.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: e.prompt},
			{Role: "user", Content: transcript},
		},
		Temperature: &temperature,
	}
}

// jsonPrompt extends the extraction instruction with the schema, since these
// backends only see it as text.
func jsonPrompt() string {
	schema, _ := json.Marshal(extract.Schema())
	return extract.SystemPrompt +
		" Reply with a single JSON object and nothing else. Use an empty string for anything the caller did not say." +
		" The object must match this JSON schema: " + string(schema)
}
