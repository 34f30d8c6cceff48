package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"gwi.com/form-insights/internal/settings"
)

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
)

type anthropicBackend struct {
	client   *http.Client
	endpoint string
}

func newAnthropicBackend() *anthropicBackend {
	return &anthropicBackend{
		client:   &http.Client{Timeout: requestTimeout},
		endpoint: anthropicEndpoint,
	}
}

func (b *anthropicBackend) name() string { return settings.ProviderAnthropic }

type anthropicResponse struct {
	Content []struct {
		Type string  `json:"type"`
		Text *string `json:"text"`
	} `json:"content"`
	Usage json.RawMessage `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *anthropicBackend) send(ctx context.Context, credential string, req analysisRequest) exchange {
	payload, err := json.Marshal(req)
	if err != nil {
		msg := fmt.Sprintf("failed to encode request: %v", err)
		return exchange{kind: FaultTransport, message: msg}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return exchange{kind: FaultTransport, message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", credential)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return exchange{kind: FaultTransport, message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange{status: resp.StatusCode, kind: FaultTransport, message: err.Error()}
	}
	ex := exchange{status: resp.StatusCode, body: body}

	if resp.StatusCode != http.StatusOK {
		var apiErr anthropicError
		_ = json.Unmarshal(body, &apiErr)
		ex.kind = FaultRemote
		ex.message = errRequestFailed
		ex.logError = fmt.Sprintf("HTTP %d", resp.StatusCode)
		if apiErr.Error.Message != "" {
			ex.message = apiErr.Error.Message
			ex.logError = apiErr.Error.Message
		}
		return ex
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Content) == 0 || parsed.Content[0].Text == nil {
		ex.kind = FaultFormat
		ex.message = errInvalidResponse
		return ex
	}
	ex.text = *parsed.Content[0].Text
	ex.usage = parsed.Usage
	return ex
}
