package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"gwi.com/form-insights/internal/settings"
	"gwi.com/form-insights/internal/store"
)

type geminiCall struct {
	path string
	body map[string]any
}

// newGeminiFixture routes the Gemini provider to a local server answering
// every generateContent call with status and body.
func newGeminiFixture(t *testing.T, status int, body string) (*clientFixture, func() []geminiCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []geminiCall
	)
	gemini := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := geminiCall{path: r.URL.Path}
		_ = json.NewDecoder(r.Body).Decode(&call.body)
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(gemini.Close)

	f := newClientFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("anthropic endpoint must not be called")
	}, WithGeminiOptions(option.WithEndpoint(gemini.URL), option.WithHTTPClient(gemini.Client())))

	ctx := context.Background()
	require.NoError(t, f.settings.Set(ctx, settings.KeyProvider, settings.ProviderGemini))
	require.NoError(t, f.settings.Set(ctx, settings.KeyModel, "gemini-1.5-flash"))
	return f, func() []geminiCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]geminiCall(nil), calls...)
	}
}

func TestGemini_Success(t *testing.T) {
	f, calls := newGeminiFixture(t, http.StatusOK, `{
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "Acme is "}, {"text": "expanding."}]},
			"finishReason": 1
		}],
		"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 4, "totalTokenCount": 16}
	}`)

	res := f.client.Analyze(context.Background(), "Tell me about Acme", RequestMeta{FormID: 3, EntryID: 8})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "Acme is expanding.", res.Text)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(res.Usage), `"TotalTokenCount":16`)

	got := calls()
	require.Len(t, got, 1)
	call := got[0]
	assert.True(t, strings.HasSuffix(call.path, "/models/gemini-1.5-flash:generateContent"), call.path)

	system := call.body["systemInstruction"].(map[string]any)
	systemParts := system["parts"].([]any)
	assert.Equal(t, analysisSystemInstruction, systemParts[0].(map[string]any)["text"])

	config := call.body["generationConfig"].(map[string]any)
	assert.EqualValues(t, settings.Defaults.MaxTokens, config["maxOutputTokens"])
	assert.InDelta(t, settings.Defaults.Temperature, config["temperature"], 1e-6)

	contents := call.body["contents"].([]any)
	require.Len(t, contents, 1)
	content := contents[0].(map[string]any)
	assert.Equal(t, "user", content["role"])
	assert.Equal(t, "Tell me about Acme", content["parts"].([]any)[0].(map[string]any)["text"])

	rows := f.logs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, store.LogStatusSuccess, rows[0].Status)
	assert.Equal(t, int64(8), rows[0].EntryID)
	assert.Contains(t, rows[0].Response, "expanding.")
}

func TestGemini_RemoteError(t *testing.T) {
	f, calls := newGeminiFixture(t, http.StatusBadRequest,
		`{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`)

	res := f.client.Analyze(context.Background(), "hello", RequestMeta{})
	assert.False(t, res.OK)
	assert.Equal(t, FaultRemote, res.Kind)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, res.Error, "API key not valid")
	assert.Len(t, calls(), 1)

	rows := f.logs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, store.LogStatusError, rows[0].Status)
	assert.Contains(t, rows[0].ErrorMessage, "API key not valid")
	assert.Empty(t, rows[0].Response)
}

func TestGemini_EmptyResponseIsFormatFault(t *testing.T) {
	f, _ := newGeminiFixture(t, http.StatusOK, `{}`)

	res := f.client.Analyze(context.Background(), "hello", RequestMeta{})
	assert.False(t, res.OK)
	assert.Equal(t, FaultFormat, res.Kind)
	assert.Equal(t, errInvalidResponse, res.Error)

	rows := f.logs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, store.LogStatusError, rows[0].Status)
}
