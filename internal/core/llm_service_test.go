package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/form-insights/internal/settings"
	"gwi.com/form-insights/internal/store"
	"gwi.com/form-insights/internal/vault"
)

const testCredential = "sk-ant-test"

type clientFixture struct {
	db       *store.SQLiteStore
	settings *settings.Service
	vault    *vault.Vault
	clock    clockwork.FakeClock
	server   *httptest.Server
	client   *AnalysisClient
}

func newClientFixture(t *testing.T, handler http.HandlerFunc, extra ...ClientOption) *clientFixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := settings.NewService(db, time.Minute)
	g := settings.Defaults
	g.Enabled = true
	g.RateLimit = 0
	require.NoError(t, svc.SaveGlobal(ctx, g))

	v := vault.New("test-auth-key", "test-auth-salt", svc)
	require.NoError(t, v.SaveCredential(ctx, testCredential))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	fc := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	opts := append([]ClientOption{
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithClock(fc),
	}, extra...)
	client := NewAnalysisClient(svc, v, NewRateLimiter(fc), db, opts...)
	return &clientFixture{db: db, settings: svc, vault: v, clock: fc, server: srv, client: client}
}

func (f *clientFixture) logs(t *testing.T) []store.LogRow {
	t.Helper()
	rows, err := f.db.ListLogs(context.Background(), 100, 0)
	require.NoError(t, err)
	return rows
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestAnalyze_Success(t *testing.T) {
	const body = `{"content":[{"type":"text","text":"Insightful analysis"}],"usage":{"input_tokens":12,"output_tokens":34}}`

	var got analysisRequest
	f := newClientFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, testCredential, r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		respond(http.StatusOK, body)(w, r)
	})

	res := f.client.Analyze(context.Background(), "hello", RequestMeta{FormID: 2, EntryID: 9})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "Insightful analysis", res.Text)
	assert.JSONEq(t, `{"input_tokens":12,"output_tokens":34}`, string(res.Usage))

	assert.Equal(t, settings.Defaults.Model, got.Model)
	assert.Equal(t, 1000, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	assert.Equal(t, analysisSystemInstruction, got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, chatMessage{Role: "user", Content: "hello"}, got.Messages[0])

	rows := f.logs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, store.LogStatusSuccess, rows[0].Status)
	assert.Equal(t, int64(2), rows[0].FormID)
	assert.Equal(t, int64(9), rows[0].EntryID)
	assert.Equal(t, body, rows[0].Response)
	assert.NotEmpty(t, rows[0].RequestID)
	assert.NotContains(t, rows[0].Request, testCredential)
	assert.Contains(t, rows[0].Request, `"model"`)
}

func TestAnalyze_Preconditions(t *testing.T) {
	ctx := context.Background()
	unreachable := func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	}

	t.Run("disabled", func(t *testing.T) {
		f := newClientFixture(t, unreachable)
		require.NoError(t, f.settings.Set(ctx, settings.KeyEnabled, "0"))

		res := f.client.Analyze(ctx, "hello", RequestMeta{})
		assert.False(t, res.OK)
		assert.Equal(t, "AI analysis is disabled.", res.Error)
		assert.Equal(t, FaultConfiguration, res.Kind)
		assert.Empty(t, f.logs(t))
	})

	t.Run("missing credential", func(t *testing.T) {
		f := newClientFixture(t, unreachable)
		_, err := f.vault.DeleteCredential(ctx)
		require.NoError(t, err)

		res := f.client.Analyze(ctx, "hello", RequestMeta{})
		assert.False(t, res.OK)
		assert.Equal(t, "API key not configured.", res.Error)
	})

	t.Run("disabled wins over missing credential", func(t *testing.T) {
		f := newClientFixture(t, unreachable)
		require.NoError(t, f.settings.Set(ctx, settings.KeyEnabled, "0"))
		_, err := f.vault.DeleteCredential(ctx)
		require.NoError(t, err)

		res := f.client.Analyze(ctx, "hello", RequestMeta{})
		assert.Equal(t, "AI analysis is disabled.", res.Error)
	})
}

func TestAnalyze_RemoteErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantError  string
		wantLogged string
	}{
		{
			name:       "error message in body",
			status:     http.StatusTooManyRequests,
			body:       `{"type":"error","error":{"type":"rate_limit_error","message":"Number of requests has exceeded your rate limit"}}`,
			wantError:  "Number of requests has exceeded your rate limit",
			wantLogged: "Number of requests has exceeded your rate limit",
		},
		{
			name:       "no error message",
			status:     http.StatusInternalServerError,
			body:       `upstream failure`,
			wantError:  "API request failed.",
			wantLogged: "HTTP 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newClientFixture(t, respond(tt.status, tt.body))

			res := f.client.Analyze(context.Background(), "hello", RequestMeta{FormID: 1, EntryID: 1})
			assert.False(t, res.OK)
			assert.Equal(t, tt.wantError, res.Error)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, FaultRemote, res.Kind)

			rows := f.logs(t)
			require.Len(t, rows, 1)
			assert.Equal(t, store.LogStatusError, rows[0].Status)
			assert.Equal(t, tt.wantLogged, rows[0].ErrorMessage)
			assert.Empty(t, rows[0].Response)
		})
	}
}

func TestAnalyze_InvalidFormat(t *testing.T) {
	for _, body := range []string{`{"content":[]}`, `{"content":[{"type":"tool_use"}]}`, `not json`} {
		f := newClientFixture(t, respond(http.StatusOK, body))

		res := f.client.Analyze(context.Background(), "hello", RequestMeta{})
		assert.False(t, res.OK)
		assert.Equal(t, "Invalid API response format.", res.Error, body)
		assert.Equal(t, FaultFormat, res.Kind)

		rows := f.logs(t)
		require.Len(t, rows, 1)
		assert.Equal(t, store.LogStatusError, rows[0].Status)
		assert.Equal(t, body, rows[0].Response)
	}
}

func TestAnalyze_TransportFailure(t *testing.T) {
	f := newClientFixture(t, respond(http.StatusOK, `{}`))
	f.server.Close()

	res := f.client.Analyze(context.Background(), "hello", RequestMeta{})
	assert.False(t, res.OK)
	assert.Equal(t, FaultTransport, res.Kind)
	assert.NotEmpty(t, res.Error)

	rows := f.logs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, res.Error, rows[0].ErrorMessage)
}

func TestAnalyze_LoggingDisabled(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, respond(http.StatusOK, `{"content":[{"type":"text","text":"ok"}]}`))
	require.NoError(t, f.settings.Set(ctx, settings.KeyLoggingEnabled, "0"))

	res := f.client.Analyze(ctx, "hello", RequestMeta{})
	require.True(t, res.OK)
	assert.Empty(t, f.logs(t))
}

func TestAnalyze_PurgesExpiredLogs(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, respond(http.StatusOK, `{"content":[{"type":"text","text":"ok"}]}`))
	require.NoError(t, f.settings.Set(ctx, settings.KeyLogRetentionDays, "1"))

	old := &store.LogRow{FormID: 1, EntryID: 1, Status: store.LogStatusSuccess, CreatedAt: f.clock.Now().AddDate(0, 0, -2)}
	require.NoError(t, f.db.InsertLog(ctx, old))

	res := f.client.Analyze(ctx, "hello", RequestMeta{FormID: 1, EntryID: 2})
	require.True(t, res.OK)

	rows := f.logs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].EntryID)

	gone, err := f.db.GetLog(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestTestConnection_SendsProbe(t *testing.T) {
	var got analysisRequest
	f := newClientFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		respond(http.StatusOK, `{"content":[{"type":"text","text":"Connection successful"}]}`)(w, r)
	})

	res := f.client.TestConnection(context.Background())
	require.True(t, res.OK)
	assert.Equal(t, "Connection successful", res.Text)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, connectionProbeMessage, got.Messages[0].Content)
}

func TestAnalyze_UnknownProvider(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, respond(http.StatusOK, `{}`))
	require.NoError(t, f.settings.Set(ctx, settings.KeyProvider, "mystery"))

	res := f.client.Analyze(ctx, "hello", RequestMeta{})
	assert.False(t, res.OK)
	assert.Equal(t, FaultConfiguration, res.Kind)
}

func TestAnalyze_BackToBackCallsAreSpaced(t *testing.T) {
	if testing.Short() {
		t.Skip("uses the real clock")
	}
	ctx := context.Background()

	var mu sync.Mutex
	var arrivals []time.Time
	f := newClientFixture(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		respond(http.StatusOK, `{"content":[{"type":"text","text":"ok"}]}`)(w, r)
	})
	require.NoError(t, f.settings.Set(ctx, settings.KeyRateLimitSeconds, "2"))
	f.client.limiter = NewRateLimiter(clockwork.NewRealClock())

	require.True(t, f.client.Analyze(ctx, "one", RequestMeta{}).OK)
	require.True(t, f.client.Analyze(ctx, "two", RequestMeta{}).OK)

	require.Len(t, arrivals, 2)
	assert.GreaterOrEqual(t, arrivals[1].Sub(arrivals[0]), 1900*time.Millisecond)
}

type fakeBackend struct {
	provider   string
	credential string
	req        analysisRequest
}

func (b *fakeBackend) name() string { return b.provider }

func (b *fakeBackend) send(_ context.Context, credential string, req analysisRequest) exchange {
	b.credential = credential
	b.req = req
	return exchange{status: http.StatusOK, body: []byte(`{"text":"from gemini"}`), text: "from gemini"}
}

func TestAnalyze_DispatchesOnProvider(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("anthropic endpoint must not be called")
	})
	fb := &fakeBackend{provider: settings.ProviderGemini}
	withBackend(fb)(f.client)
	require.NoError(t, f.settings.Set(ctx, settings.KeyProvider, settings.ProviderGemini))

	res := f.client.Analyze(ctx, "hello", RequestMeta{FormID: 2, EntryID: 9})
	require.True(t, res.OK)
	assert.Equal(t, "from gemini", res.Text)
	assert.Equal(t, testCredential, fb.credential)
	assert.Equal(t, settings.Defaults.Model, fb.req.Model)

	rows := f.logs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, store.LogStatusSuccess, rows[0].Status)
	assert.Equal(t, int64(9), rows[0].EntryID)
}
