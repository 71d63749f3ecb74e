package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	claudeEndpoint   = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

// Claude implements the Scanner interface using the Anthropic Messages API
type Claude struct {
	apiKey    string
	model     string
	maxTokens int
	endpoint  string
	client    *http.Client
}

// NewClaude creates a new Claude Scanner instance
func NewClaude(apiKey, modelName string) (*Claude, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("claude api key is required")
	}
	if modelName == "" {
		modelName = "claude-sonnet-4-5"
	}

	return &Claude{
		apiKey:    apiKey,
		model:     modelName,
		maxTokens: 4096,
		endpoint:  claudeEndpoint,
		client:    &http.Client{},
	}, nil
}

// SetEndpoint points the scanner at another messages endpoint
func (c *Claude) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string         `json:"role"`
	Content []claudeSource `json:"content"`
}

type claudeSource struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *claudeImage `json:"source,omitempty"`
}

type claudeImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// ScanReceipt analyzes a receipt and extracts its line items
func (c *Claude) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error) {
	finalImageData, mimeType, err := prepareImageData(imageData, contentType)
	if err != nil {
		return nil, err
	}

	reqBody := claudeRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []claudeMessage{
			{
				Role: "user",
				Content: []claudeSource{
					{
						Type: "image",
						Source: &claudeImage{
							Type:      "base64",
							MediaType: mimeType,
							Data:      base64.StdEncoding.EncodeToString(finalImageData),
						},
					},
					{Type: "text", Text: receiptScanPrompt},
				},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling claude API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claude API error (status %d): %s", resp.StatusCode, string(body))
	}

	var msg claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("empty response from claude")
	}

	data, err := parseReceiptJSON(text.String())
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}

	return data, nil
}

// Close is a no-op for the HTTP client
func (c *Claude) Close() error {
	return nil
}
