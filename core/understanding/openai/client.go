// Package openai implements the understanding collaborator on top of the
// OpenAI chat completions API, using JSON-schema constrained output so the
// intent, extracted fields, and reply come back in a single structured
// response.
package openai

import (
	"fmt"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Client struct {
	apiKey  string
	baseURL string
	model   string

	businessContext string

	httpClient *http.Client
}

type ClientOption func(*Client)

// WithModel overrides the default chat model.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithBaseURL points the client at a different API host, typically a test
// server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithBusinessContext injects the business facts (opening hours, services,
// address) the assistant may answer questions about.
func WithBusinessContext(context string) ClientOption {
	return func(c *Client) { c.businessContext = context }
}

func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		baseURL:    defaultBaseURL,
		model:      "gpt-4o-mini",
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		apiKey, ok := os.LookupEnv("OPENAI_API_KEY")
		if !ok {
			return nil, fmt.Errorf("openai api key not found")
		}
		client.apiKey = apiKey
	}

	return client, nil
}
