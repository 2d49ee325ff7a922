package upstream

import (
	"context"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient passes a Claude request through to a native Anthropic
// upstream with only endpoint and auth rewritten, per §4.4's native mode
// and E5's byte-identical-body requirement.
type AnthropicClient struct {
	client *Client
}

func NewAnthropicClient(client *Client) *AnthropicClient {
	return &AnthropicClient{client: client}
}

// Send posts the original Claude request body, unmodified, to
// {baseURL}/v1/messages.
func (a *AnthropicClient) Send(ctx context.Context, baseURL, apiKey string, body []byte) (*http.Response, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("anthropic-version", anthropicVersion)

	if apiKey != "" {
		headers.Set("x-api-key", apiKey)
	}

	return a.client.Do(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/messages", headers, body)
}
