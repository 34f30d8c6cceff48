package core

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"

	"gwi.com/form-insights/internal/settings"
)

// geminiBackend sends the same request through the Gemini API. The stored
// credential is used as the Gemini API key.
type geminiBackend struct {
	opts []option.ClientOption
}

// WithGeminiOptions adds client options (endpoint, HTTP client) to the Gemini backend.
func WithGeminiOptions(opts ...option.ClientOption) ClientOption {
	return func(a *AnalysisClient) {
		if b, ok := a.backends[settings.ProviderGemini].(*geminiBackend); ok {
			b.opts = append(b.opts, opts...)
		}
	}
}

func (b *geminiBackend) name() string { return settings.ProviderGemini }

func (b *geminiBackend) send(ctx context.Context, credential string, req analysisRequest) exchange {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	opts := append([]option.ClientOption{option.WithAPIKey(credential)}, b.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return exchange{kind: FaultTransport, message: err.Error()}
	}
	defer client.Close()

	model := client.GenerativeModel(req.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.System)},
	}

	temp := float32(req.Temperature)
	maxTokens := int32(req.MaxTokens)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	parts := make([]genai.Part, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, genai.Text(m.Content))
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		if apiErr, ok := apierror.FromError(err); ok {
			msg := apiErr.Error()
			if msg == "" {
				msg = errRequestFailed
			}
			status := apiErr.HTTPCode()
			if status < 0 {
				status = 0
			}
			return exchange{status: status, kind: FaultRemote, message: msg, logError: msg}
		}
		return exchange{kind: FaultTransport, message: err.Error()}
	}

	body, _ := json.Marshal(resp)
	ex := exchange{status: http.StatusOK, body: body}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		ex.kind = FaultFormat
		ex.message = errInvalidResponse
		return ex
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	if text.Len() == 0 {
		ex.kind = FaultFormat
		ex.message = errInvalidResponse
		return ex
	}

	ex.text = text.String()
	if resp.UsageMetadata != nil {
		ex.usage, _ = json.Marshal(resp.UsageMetadata)
	}
	return ex
}
