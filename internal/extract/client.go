// Package extract calls the external extraction service and persists its
// structured results keyed by venue and content hash.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrMalformedResponse marks a response that was not valid JSON or did not
// match the expected schema. It fails the venue, never the run.
var ErrMalformedResponse = errors.New("malformed extraction response")

// Message represents a chat message in the extraction service API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured
// responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Special is one recurring deal reported by the extraction service.
type Special struct {
	Days        string `json:"days"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Description string `json:"description"`
}

// Result is the structured output for one venue: whether a happy-hour or
// specials signal was found, the supporting details, and a confidence
// score in [0, 1].
type Result struct {
	Found      bool      `json:"found"`
	Specials   []Special `json:"specials"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
}

const instructionTemplate = `You are given the visible text of the website of the venue %q.
Determine whether the site advertises a happy hour or recurring drink/food specials.
Report each special with its days, start and end time, and a short description.
If nothing is advertised, report found=false. Respond with JSON only.`

// Client communicates with the extraction service over HTTP. The service
// exposes a chat endpoint with structured-output support; the response
// content is expected to be a JSON document matching resultSchema.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a Client targeting the given base URL. timeout is the
// hard per-call ceiling; a timed-out call fails the venue, not the run.
func NewClient(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   any       `json:"format,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Extract sends the venue's trimmed text with a fixed instruction template
// and parses the structured JSON response.
func (c *Client) Extract(ctx context.Context, venueName, text string) (Result, string, error) {
	cr := chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: fmt.Sprintf(instructionTemplate, venueName)},
			{Role: "user", Content: text},
		},
		Stream: false,
		Format: resultSchema(),
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return Result{}, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Result{}, "", fmt.Errorf("creating extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, "", fmt.Errorf("extraction request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, "", fmt.Errorf("extraction: unexpected status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Result{}, "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	raw := chat.Message.Content
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Result{}, raw, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return result, raw, nil
}

func resultSchema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"found":      {Type: "boolean", Description: "Whether a happy hour or specials offer is advertised"},
			"specials":   {Type: "array", Description: "Each advertised special with days, start, end, description"},
			"confidence": {Type: "number", Description: "Confidence in the answer, 0 to 1"},
			"summary":    {Type: "string", Description: "One-sentence summary of the finding"},
		},
		Required: []string{"found", "specials", "confidence", "summary"},
	}
}
