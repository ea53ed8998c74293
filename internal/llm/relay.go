package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/lmchat/internal/logger"
)

// ErrUpstreamUnavailable is returned when the inference server cannot be
// reached or answers with a non-success status.
var ErrUpstreamUnavailable = errors.New("inference server unavailable")

// UpstreamError carries the status of a non-success upstream answer.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("LM Studio API error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("LM Studio API error: status %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstreamUnavailable }

const maxErrorBody = 4 << 10

// Relay forwards chat requests to the inference server and returns the assistant reply.
type Relay struct {
	client     Client
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewRelay returns a Relay for the server at baseURL. client serves buffered
// requests; httpClient carries streamed ones.
func NewRelay(client Client, httpClient *http.Client, baseURL, apiKey string) *Relay {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Relay{
		client:     client,
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Complete sends msgs and waits for the whole reply.
func (r *Relay) Complete(ctx context.Context, model string, msgs []Message) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAI(msgs),
	})
	if err != nil {
		return "", upstreamError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends msgs with stream=true and calls onFragment for every piece of
// text as it arrives, in upstream order. It returns the accumulated reply once
// the stream ends. On any error, including one returned by onFragment, the
// upstream body is closed and no text is returned.
func (r *Relay) Stream(ctx context.Context, model string, msgs []Message, onFragment func(string) error) (string, error) {
	if onFragment == nil {
		onFragment = func(string) error { return nil }
	}

	body, err := json.Marshal(openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAI(msgs),
		Stream:   true,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", upstreamError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	// Some servers ignore stream=true and answer with a single completion.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var whole openai.ChatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&whole); err != nil {
			return "", fmt.Errorf("%w: decode completion: %v", ErrUpstreamUnavailable, err)
		}
		if len(whole.Choices) == 0 || whole.Choices[0].Message.Content == "" {
			return "", nil
		}
		text := whole.Choices[0].Message.Content
		if err := onFragment(text); err != nil {
			return "", err
		}
		return text, nil
	}

	var (
		dec Decoder
		acc strings.Builder
		buf = make([]byte, 4096)
	)
	emit := func(frags []string) error {
		for _, f := range frags {
			acc.WriteString(f)
			if err := onFragment(f); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := emit(dec.Feed(buf[:n])); err != nil {
				return "", err
			}
			if dec.Done() {
				break
			}
		}
		if rerr == io.EOF {
			if err := emit(dec.Flush()); err != nil {
				return "", err
			}
			break
		}
		if rerr != nil {
			return "", upstreamError(ctx, rerr)
		}
	}

	logger.L.Debug("stream relayed", "model", model, "chars", acc.Len())
	return acc.String(), nil
}

// upstreamError classifies a failed upstream call. A cancelled request context
// is reported as such rather than as an unavailable server.
func upstreamError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("relay aborted: %w", ctxErr)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &UpstreamError{StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
