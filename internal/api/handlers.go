package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"gwi.com/form-insights/internal/app"
	"gwi.com/form-insights/internal/auth"
	"gwi.com/form-insights/internal/core"
	"gwi.com/form-insights/internal/forms"
	"gwi.com/form-insights/internal/logging"
	"gwi.com/form-insights/internal/report"
	"gwi.com/form-insights/internal/settings"
	"gwi.com/form-insights/internal/store"
)

type contextKey string

const subjectKey contextKey = "subject"

const (
	defaultLogsPerPage = 20
	maxLogsPerPage     = 100
)

type APIHandler struct {
	app           *app.App
	jwtSecret     string
	adminPassword string
	log           *logrus.Entry
}

func NewAPIHandler(a *app.App, jwtSecret, adminPassword string) *APIHandler {
	return &APIHandler{
		app:           a,
		jwtSecret:     jwtSecret,
		adminPassword: adminPassword,
		log:           logging.Component("api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		subject, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil || subject != auth.AdminSubject {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type LoginRequest struct {
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		http.Error(w, "Password is required", http.StatusBadRequest)
		return
	}
	if !auth.CheckPassword(req.Password, h.adminPassword) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(h.jwtSecret, auth.AdminSubject)
	if err != nil {
		h.log.WithError(err).Error("Error generating JWT")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Forms

func (h *APIHandler) ListFormsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Store.ListForms(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Error listing forms")
		http.Error(w, "Failed to list forms", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []forms.Form{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *APIHandler) SaveFormHandler(w http.ResponseWriter, r *http.Request) {
	formID, ok := pathID(r, "formID")
	if !ok {
		http.Error(w, "Invalid form id", http.StatusBadRequest)
		return
	}
	var form forms.Form
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	form.ID = formID

	if err := h.app.Store.SaveForm(r.Context(), &form); err != nil {
		h.log.WithError(err).WithField("form_id", formID).Error("Error saving form")
		http.Error(w, "Failed to save form", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (h *APIHandler) GetFormHandler(w http.ResponseWriter, r *http.Request) {
	form, ok := h.loadForm(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (h *APIHandler) loadForm(w http.ResponseWriter, r *http.Request) (*forms.Form, bool) {
	formID, ok := pathID(r, "formID")
	if !ok {
		http.Error(w, "Invalid form id", http.StatusBadRequest)
		return nil, false
	}
	form, err := h.app.Store.GetForm(r.Context(), formID)
	if err != nil {
		h.log.WithError(err).WithField("form_id", formID).Error("Error loading form")
		http.Error(w, "Failed to load form", http.StatusInternalServerError)
		return nil, false
	}
	if form == nil {
		http.Error(w, "Form not found", http.StatusNotFound)
		return nil, false
	}
	return form, true
}

type FormSettingsResponse struct {
	settings.FormOverrides
	AnalyzableFieldIDs []int `json:"analyzable_field_ids"`
}

func (h *APIHandler) GetFormSettingsHandler(w http.ResponseWriter, r *http.Request) {
	form, ok := h.loadForm(w, r)
	if !ok {
		return
	}
	o, err := h.app.Settings.FormOverrides(r.Context(), form.ID)
	if err != nil {
		h.log.WithError(err).WithField("form_id", form.ID).Error("Error loading form settings")
		http.Error(w, "Failed to load form settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, FormSettingsResponse{FormOverrides: o, AnalyzableFieldIDs: forms.AnalyzableFieldIDs(form)})
}

func (h *APIHandler) PutFormSettingsHandler(w http.ResponseWriter, r *http.Request) {
	formID, ok := pathID(r, "formID")
	if !ok {
		http.Error(w, "Invalid form id", http.StatusBadRequest)
		return
	}
	var o settings.FormOverrides
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.app.Settings.SaveFormOverrides(r.Context(), formID, o); err != nil {
		h.log.WithError(err).WithField("form_id", formID).Error("Error saving form settings")
		http.Error(w, "Failed to save form settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Entries

type SubmitEntryRequest struct {
	Values    map[string]forms.Value `json:"values"`
	CreatedAt *time.Time             `json:"created_at,omitempty"`
}

type SubmitEntryResponse struct {
	Entry    *forms.Entry `json:"entry"`
	Analysis core.Outcome `json:"analysis"`
}

// SubmitEntryHandler stores a submission and runs the analysis pipeline on it
// before responding.
func (h *APIHandler) SubmitEntryHandler(w http.ResponseWriter, r *http.Request) {
	form, ok := h.loadForm(w, r)
	if !ok {
		return
	}
	var req SubmitEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	entry := &forms.Entry{FormID: form.ID, Values: req.Values}
	if entry.Values == nil {
		entry.Values = map[string]forms.Value{}
	}
	if req.CreatedAt != nil {
		entry.CreatedAt = req.CreatedAt.UTC().Truncate(time.Second)
	}
	if err := h.app.Store.CreateEntry(r.Context(), entry); err != nil {
		h.log.WithError(err).WithField("form_id", form.ID).Error("Error creating entry")
		http.Error(w, "Failed to create entry", http.StatusInternalServerError)
		return
	}

	outcome := h.app.Analysis.ProcessEntry(r.Context(), entry, form)
	writeJSON(w, http.StatusCreated, SubmitEntryResponse{Entry: entry, Analysis: outcome})
}

func (h *APIHandler) GetAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathID(r, "entryID")
	if !ok {
		http.Error(w, "Invalid entry id", http.StatusBadRequest)
		return
	}
	a, err := h.app.Analysis.GetAnalysis(r.Context(), entryID)
	if err != nil {
		h.log.WithError(err).WithField("entry_id", entryID).Error("Error loading analysis")
		http.Error(w, "Failed to load analysis", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *APIHandler) AnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathID(r, "entryID")
	if !ok {
		http.Error(w, "Invalid entry id", http.StatusBadRequest)
		return
	}
	outcome := h.app.Analysis.AnalyzeByID(r.Context(), entryID)
	switch {
	case outcome.OK:
		writeJSON(w, http.StatusOK, outcome)
	case outcome.Error == core.ErrInvalidEntry:
		writeJSON(w, http.StatusNotFound, outcome)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, outcome)
	}
}

func (h *APIHandler) DeleteAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathID(r, "entryID")
	if !ok {
		http.Error(w, "Invalid entry id", http.StatusBadRequest)
		return
	}
	if err := h.app.Analysis.DeleteAnalysis(r.Context(), entryID); err != nil {
		h.log.WithError(err).WithField("entry_id", entryID).Error("Error deleting analysis")
		http.Error(w, "Failed to delete analysis", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ReportHandler(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathID(r, "entryID")
	if !ok {
		http.Error(w, "Invalid entry id", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	entry, err := h.app.Store.GetEntry(ctx, entryID)
	if err != nil {
		h.log.WithError(err).WithField("entry_id", entryID).Error("Error loading entry")
		http.Error(w, "Failed to load entry", http.StatusInternalServerError)
		return
	}
	if entry == nil {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}
	a, err := h.app.Analysis.GetAnalysis(ctx, entryID)
	if err != nil {
		h.log.WithError(err).WithField("entry_id", entryID).Error("Error loading analysis")
		http.Error(w, "Failed to load analysis", http.StatusInternalServerError)
		return
	}
	if !a.HasAnalysis() {
		http.Error(w, "No analysis available", http.StatusNotFound)
		return
	}

	data := report.Data{EntryID: entryID, AnalysisDate: a.AnalysisDate, Markdown: a.AnalysisText}
	if form, err := h.app.Store.GetForm(ctx, entry.FormID); err == nil && form != nil {
		id := forms.ExtractIdentity(entry, form)
		data.FormTitle = form.Title
		data.Submitter = id.Name
		data.Email = id.Email
		data.Company = id.Company
	}

	html, err := report.Render(data)
	if err != nil {
		h.log.WithError(err).WithField("entry_id", entryID).Error("Error rendering report")
		http.Error(w, "Failed to render report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.Filename(entryID, time.Now())+`"`)
	w.Write([]byte(html))
}

// Settings

type SettingsPayload struct {
	Enabled               *bool    `json:"enabled,omitempty"`
	Model                 *string  `json:"model,omitempty"`
	MaxTokens             *int     `json:"max_tokens,omitempty"`
	Temperature           *float64 `json:"temperature,omitempty"`
	RateLimitSeconds      *int     `json:"rate_limit_seconds,omitempty"`
	LoggingEnabled        *bool    `json:"logging_enabled,omitempty"`
	LogRetentionDays      *int     `json:"log_retention_days,omitempty"`
	DefaultPromptTemplate *string  `json:"default_prompt_template,omitempty"`
	Provider              *string  `json:"provider,omitempty"`
}

type SettingsResponse struct {
	settings.Global
	RateLimitSeconds int  `json:"rate_limit_seconds"`
	HasCredential    bool `json:"has_credential"`
}

var errInvalidSettings = errors.New("invalid settings")

func (p SettingsPayload) apply(g *settings.Global) error {
	if p.Enabled != nil {
		g.Enabled = *p.Enabled
	}
	if p.Model != nil {
		if strings.TrimSpace(*p.Model) == "" {
			return errors.Join(errInvalidSettings, errors.New("model must not be empty"))
		}
		g.Model = strings.TrimSpace(*p.Model)
	}
	if p.MaxTokens != nil {
		if *p.MaxTokens <= 0 || *p.MaxTokens > settings.MaxTokensLimit {
			return errors.Join(errInvalidSettings, fmt.Errorf("max_tokens must be between 1 and %d", settings.MaxTokensLimit))
		}
		g.MaxTokens = *p.MaxTokens
	}
	if p.Temperature != nil {
		if *p.Temperature < 0 || *p.Temperature > 1 {
			return errors.Join(errInvalidSettings, errors.New("temperature must be between 0 and 1"))
		}
		g.Temperature = *p.Temperature
	}
	if p.RateLimitSeconds != nil {
		if *p.RateLimitSeconds < 0 {
			return errors.Join(errInvalidSettings, errors.New("rate_limit_seconds must not be negative"))
		}
		g.RateLimit = time.Duration(*p.RateLimitSeconds) * time.Second
	}
	if p.LoggingEnabled != nil {
		g.LoggingEnabled = *p.LoggingEnabled
	}
	if p.LogRetentionDays != nil {
		if *p.LogRetentionDays < 1 {
			return errors.Join(errInvalidSettings, errors.New("log_retention_days must be at least 1"))
		}
		g.LogRetentionDays = *p.LogRetentionDays
	}
	if p.DefaultPromptTemplate != nil {
		g.DefaultPrompt = *p.DefaultPromptTemplate
	}
	if p.Provider != nil {
		switch *p.Provider {
		case settings.ProviderAnthropic, settings.ProviderGemini:
			g.Provider = *p.Provider
		default:
			return errors.Join(errInvalidSettings, errors.New("unknown provider"))
		}
	}
	return nil
}

func (h *APIHandler) settingsResponse(ctx context.Context) (SettingsResponse, error) {
	g, err := h.app.Settings.Global(ctx)
	if err != nil {
		return SettingsResponse{}, err
	}
	return SettingsResponse{
		Global:           g,
		RateLimitSeconds: int(g.RateLimit / time.Second),
		HasCredential:    h.app.Vault.HasCredential(ctx),
	}, nil
}

func (h *APIHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.settingsResponse(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Error loading settings")
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) PutSettingsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p SettingsPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	g, err := h.app.Settings.Global(ctx)
	if err != nil {
		h.log.WithError(err).Error("Error loading settings")
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	if err := p.apply(&g); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.app.Settings.SaveGlobal(ctx, g); err != nil {
		h.log.WithError(err).Error("Error saving settings")
		http.Error(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	h.GetSettingsHandler(w, r)
}

// Credential

type CredentialRequest struct {
	APIKey string `json:"api_key"`
}

func (h *APIHandler) GetCredentialHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"configured":         h.app.Vault.HasCredential(r.Context()),
		"secrets_configured": h.app.Vault.Configured(),
	})
}

func (h *APIHandler) PutCredentialHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		http.Error(w, "api_key is required", http.StatusBadRequest)
		return
	}
	if err := h.app.Vault.SaveCredential(r.Context(), key); err != nil {
		h.log.WithError(err).Error("Error saving credential")
		http.Error(w, "Failed to save credential", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteCredentialHandler(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.app.Vault.DeleteCredential(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Error deleting credential")
		http.Error(w, "Failed to delete credential", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "No credential stored", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) TestConnectionHandler(w http.ResponseWriter, r *http.Request) {
	res := h.app.Client.TestConnection(r.Context())
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadGateway
		if res.Kind == core.FaultConfiguration {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, res)
}

// Audit log

type LogsResponse struct {
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Logs    []store.LogRow `json:"logs"`
}

func queryInt(r *http.Request, name string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func (h *APIHandler) ListLogsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", defaultLogsPerPage)
	if perPage > maxLogsPerPage {
		perPage = maxLogsPerPage
	}

	total, err := h.app.Store.CountLogs(ctx)
	if err != nil {
		h.log.WithError(err).Error("Error counting logs")
		http.Error(w, "Failed to list logs", http.StatusInternalServerError)
		return
	}
	rows, err := h.app.Store.ListLogs(ctx, perPage, (page-1)*perPage)
	if err != nil {
		h.log.WithError(err).Error("Error listing logs")
		http.Error(w, "Failed to list logs", http.StatusInternalServerError)
		return
	}

	if rows == nil {
		rows = []store.LogRow{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{Total: total, Page: page, PerPage: perPage, Logs: rows})
}

func (h *APIHandler) GetLogHandler(w http.ResponseWriter, r *http.Request) {
	logID, ok := pathID(r, "logID")
	if !ok {
		http.Error(w, "Invalid log id", http.StatusBadRequest)
		return
	}
	row, err := h.app.Store.GetLog(r.Context(), logID)
	if err != nil {
		h.log.WithError(err).WithField("log_id", logID).Error("Error loading log")
		http.Error(w, "Failed to load log", http.StatusInternalServerError)
		return
	}
	if row == nil {
		http.Error(w, "Log not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *APIHandler) ClearLogsHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Store.TruncateLogs(r.Context()); err != nil {
		h.log.WithError(err).Error("Error clearing logs")
		http.Error(w, "Failed to clear logs", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
