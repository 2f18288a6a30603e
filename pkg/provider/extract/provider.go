// Package extract defines the Extractor interface for post-call detail
// extraction.
//
// An extractor turns a finished call's transcript into structured
// [CallDetails]: who called, when they are available and anything else worth
// noting. Backends wrap a chat-completion API (OpenAI structured outputs, or
// any any-llm-go provider prompted for JSON) behind one method so the
// post-call pipeline never couples to an SDK.
//
// Implementations must be safe for concurrent use.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaName is the name under which the extraction schema is registered with
// structured-output capable backends.
const SchemaName = "customer_details_extraction"

// SystemPrompt is the instruction every backend sends ahead of the transcript.
const SystemPrompt = "Extract customer details: name, availability, and any special notes from the transcript."

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("extract: empty response")

// CallDetails is the structured result of extraction.
type CallDetails struct {
	// CustomerName is the caller's name as stated during the call.
	CustomerName string `json:"customerName"`

	// CustomerAvailability is free text describing when the caller is available.
	CustomerAvailability string `json:"customerAvailability"`

	// SpecialNotes holds anything else the caller asked to be recorded.
	SpecialNotes string `json:"specialNotes"`
}

// Extractor turns a transcript into [CallDetails].
type Extractor interface {
	// Extract sends transcript to the backend and parses its answer. It must
	// honour ctx cancellation.
	Extract(ctx context.Context, transcript string) (CallDetails, error)
}

// Schema returns the JSON schema describing [CallDetails]. All three fields are
// required and no others are allowed, which strict structured outputs demand.
// A fresh map is returned on every call.
func Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"customerName":         map[string]any{"type": "string"},
			"customerAvailability": map[string]any{"type": "string"},
			"specialNotes":         map[string]any{"type": "string"},
		},
		"required":             []string{"customerName", "customerAvailability", "specialNotes"},
		"additionalProperties": false,
	}
}

// ParseDetails decodes a model answer into CallDetails. Models without
// structured outputs sometimes wrap the object in a Markdown code fence or add
// prose around it; the first JSON object found is used.
func ParseDetails(content string) (CallDetails, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return CallDetails{}, ErrEmptyResponse
	}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}

	var d CallDetails
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return CallDetails{}, fmt.Errorf("extract: parse details: %w", err)
	}
	return d, nil
}
