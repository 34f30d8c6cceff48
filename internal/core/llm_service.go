package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"gwi.com/form-insights/internal/logging"
	"gwi.com/form-insights/internal/metrics"
	"gwi.com/form-insights/internal/settings"
	"gwi.com/form-insights/internal/store"
)

const (
	requestTimeout = 30 * time.Second

	analysisSystemInstruction = "You are an AI assistant analyzing form submissions for a business. " +
		"Provide insights about the submitter, their company, and potential business opportunities. " +
		"Search for publicly available information when possible. " +
		"Format your response in clear sections with headers."

	connectionProbeMessage = `Hello, this is a test message. Please respond with "Connection successful" if you receive this.`
)

const (
	errAnalysisDisabled     = "AI analysis is disabled."
	errCredentialMissing    = "API key not configured."
	errRequestFailed        = "API request failed."
	errInvalidResponse      = "Invalid API response format."
	errUnknownProviderFault = "unknown provider %q"
)

// FaultKind classifies a failed Result.
type FaultKind string

const (
	FaultConfiguration FaultKind = "configuration"
	FaultTransport     FaultKind = "transport"
	FaultRemote        FaultKind = "remote"
	FaultFormat        FaultKind = "format"
)

// Result is the outcome of one inference attempt. It is never returned as an error.
type Result struct {
	OK         bool            `json:"ok"`
	Text       string          `json:"text,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`
	Error      string          `json:"error,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	Kind       FaultKind       `json:"kind,omitempty"`
}

func failure(kind FaultKind, msg string) Result {
	return Result{Error: msg, Kind: kind}
}

// RequestMeta identifies the entry an API call is made for. Zero ids are
// logged as 0.
type RequestMeta struct {
	FormID  int64
	EntryID int64
}

type SettingsReader interface {
	Global(ctx context.Context) (settings.Global, error)
}

type CredentialSource interface {
	GetCredential(ctx context.Context) (string, bool)
}

// AuditLog persists one row per logged API attempt.
type AuditLog interface {
	InsertLog(ctx context.Context, row *store.LogRow) error
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// analysisRequest is the provider-neutral request body.
type analysisRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
	System      string        `json:"system"`
}

// exchange is what a backend observed for one request.
type exchange struct {
	status   int
	body     []byte
	text     string
	usage    json.RawMessage
	kind     FaultKind // empty on success
	message  string    // returned to the caller
	logError string    // written to the audit row
}

type backend interface {
	name() string
	send(ctx context.Context, credential string, req analysisRequest) exchange
}

type AnalysisClient struct {
	settings    SettingsReader
	credentials CredentialSource
	limiter     *RateLimiter
	audit       AuditLog
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	log         *logrus.Entry
	backends    map[string]backend
}

type ClientOption func(*AnalysisClient)

// WithHTTPClient replaces the client used for the Anthropic backend.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(a *AnalysisClient) {
		if b, ok := a.backends[settings.ProviderAnthropic].(*anthropicBackend); ok {
			b.client = c
		}
	}
}

// WithBaseURL points the Anthropic backend at another messages endpoint.
func WithBaseURL(url string) ClientOption {
	return func(a *AnalysisClient) {
		if url == "" {
			return
		}
		if b, ok := a.backends[settings.ProviderAnthropic].(*anthropicBackend); ok {
			b.endpoint = url
		}
	}
}

func WithClock(c clockwork.Clock) ClientOption {
	return func(a *AnalysisClient) { a.clock = c }
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(a *AnalysisClient) { a.metrics = m }
}

func withBackend(b backend) ClientOption {
	return func(a *AnalysisClient) { a.backends[b.name()] = b }
}

func NewAnalysisClient(s SettingsReader, creds CredentialSource, limiter *RateLimiter, audit AuditLog, opts ...ClientOption) *AnalysisClient {
	c := &AnalysisClient{
		settings:    s,
		credentials: creds,
		limiter:     limiter,
		audit:       audit,
		clock:       clockwork.NewRealClock(),
		log:         logging.Component("analysis_client"),
		backends: map[string]backend{
			settings.ProviderAnthropic: newAnthropicBackend(),
			settings.ProviderGemini:    &geminiBackend{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TestConnection sends a fixed probe message through the normal path.
func (c *AnalysisClient) TestConnection(ctx context.Context) Result {
	return c.Analyze(ctx, connectionProbeMessage, RequestMeta{})
}

// Analyze sends message to the configured provider. It blocks on the shared
// rate limiter and is not cancelled by ctx once the wait has started.
func (c *AnalysisClient) Analyze(ctx context.Context, message string, meta RequestMeta) Result {
	g, err := c.settings.Global(ctx)
	if err != nil {
		c.log.WithError(err).Error("Failed to load settings")
		return failure(FaultConfiguration, fmt.Sprintf("failed to load settings: %v", err))
	}
	if !g.Enabled {
		return failure(FaultConfiguration, errAnalysisDisabled)
	}
	credential, ok := c.credentials.GetCredential(ctx)
	c.metrics.RecordCredentialLookup(ok)
	if !ok || credential == "" {
		return failure(FaultConfiguration, errCredentialMissing)
	}

	b, ok := c.backends[g.Provider]
	if !ok {
		return failure(FaultConfiguration, fmt.Sprintf(errUnknownProviderFault, g.Provider))
	}

	req := analysisRequest{
		Model:       g.Model,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
		Messages:    []chatMessage{{Role: "user", Content: message}},
		System:      analysisSystemInstruction,
	}

	ctx = context.WithoutCancel(ctx)
	waited := c.limiter.Wait(g.RateLimit)
	c.metrics.RecordRateLimitWait(waited)

	start := c.clock.Now()
	ex := b.send(ctx, credential, req)
	elapsed := c.clock.Since(start)

	status := "success"
	if ex.kind != "" {
		status = string(ex.kind)
	}
	c.metrics.RecordAPIRequest(b.name(), status, elapsed)
	c.log.WithFields(logrus.Fields{
		"provider":    b.name(),
		"form_id":     meta.FormID,
		"entry_id":    meta.EntryID,
		"status_code": ex.status,
		"status":      status,
		"elapsed":     elapsed.String(),
	}).Info("Inference request finished")

	if g.LoggingEnabled {
		c.writeAudit(ctx, meta, req, ex, g.LogRetentionDays)
	}

	if ex.kind != "" {
		return Result{Error: ex.message, StatusCode: ex.status, Kind: ex.kind}
	}
	return Result{OK: true, Text: ex.text, Usage: ex.usage, StatusCode: ex.status}
}

func (c *AnalysisClient) writeAudit(ctx context.Context, meta RequestMeta, req analysisRequest, ex exchange, retentionDays int) {
	row := &store.LogRow{
		RequestID: uuid.NewString(),
		FormID:    meta.FormID,
		EntryID:   meta.EntryID,
		Status:    store.LogStatusSuccess,
		Request:   redactRequest(req),
		CreatedAt: c.clock.Now().UTC(),
	}
	if ex.status == http.StatusOK {
		row.Response = string(ex.body)
	}
	if ex.kind != "" {
		row.Status = store.LogStatusError
		row.ErrorMessage = ex.logError
		if row.ErrorMessage == "" {
			row.ErrorMessage = ex.message
		}
	}

	logger := c.log.WithField("request_id", row.RequestID)
	if err := c.audit.InsertLog(ctx, row); err != nil {
		logger.WithError(err).Error("Failed to write audit log row")
	}

	cutoff := c.clock.Now().UTC().AddDate(0, 0, -retentionDays)
	purged, err := c.audit.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		logger.WithError(err).Error("Failed to purge audit log")
		return
	}
	c.metrics.RecordPurge(purged)
	if purged > 0 {
		logger.WithField("purged", purged).Debug("Purged expired audit log rows")
	}
}

// credentialFields are dropped from logged request bodies.
var credentialFields = []string{"api_key", "x-api-key", "key", "credential"}

func redactRequest(req analysisRequest) string {
	raw, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}
	for _, k := range credentialFields {
		delete(fields, k)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
