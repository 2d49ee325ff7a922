package upstream

import (
	"context"
	"net/http"
	"strings"
)

// OpenAIClient dispatches a translated request to an OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	client *Client
}

func NewOpenAIClient(client *Client) *OpenAIClient {
	return &OpenAIClient{client: client}
}

// Send posts body to {baseURL}/chat/completions with Bearer auth, per
// §4.4's OpenAI-compatible mode.
func (o *OpenAIClient) Send(ctx context.Context, baseURL, apiKey string, body []byte) (*http.Response, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json, text/event-stream")

	if apiKey != "" {
		headers.Set("Authorization", "Bearer "+apiKey)
	}

	return o.client.Do(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/chat/completions", headers, body)
}
