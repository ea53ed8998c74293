package llm

import (
	"net/http"

	"github.com/comigor/lmchat/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates an OpenAI client pointed at the LM Studio OpenAI-compatible API.
func NewClient(cfg config.UpstreamConfig, httpClient *http.Client) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL + "/v1"
	if httpClient != nil {
		config.HTTPClient = httpClient
	}

	return openai.NewClientWithConfig(config)
}
