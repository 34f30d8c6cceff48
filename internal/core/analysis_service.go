package core

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"gwi.com/form-insights/internal/forms"
	"gwi.com/form-insights/internal/logging"
	"gwi.com/form-insights/internal/metrics"
	"gwi.com/form-insights/internal/prompt"
	"gwi.com/form-insights/internal/settings"
)

// Annotation keys stored per entry.
const (
	AnnotationAnalysisText = "analysis_text"
	AnnotationAnalysisDate = "analysis_date"
	AnnotationErrorText    = "error_text"
	AnnotationErrorDate    = "error_date"
)

// AnnotationKeys lists every key the pipeline writes onto an entry.
var AnnotationKeys = []string{
	AnnotationAnalysisText,
	AnnotationAnalysisDate,
	AnnotationErrorText,
	AnnotationErrorDate,
}

const (
	ErrGlobalDisabled = "Global AI analysis is disabled"
	ErrFormDisabled   = "AI analysis is disabled for this form"
	ErrInvalidEntry   = "Invalid entry or form"

	skipNoteTitle = "AI Analysis"
	skipNoteBody  = "AI Analysis skipped: Global setting disabled"
)

type AnnotationStore interface {
	GetAnnotation(ctx context.Context, entryID int64, key string) (string, bool, error)
	SetAnnotation(ctx context.Context, entryID int64, key, value string) error
	DeleteAnnotations(ctx context.Context, entryID int64, keys ...string) error
	AddNote(ctx context.Context, entryID int64, title, body string) error
}

type EntryStore interface {
	GetEntry(ctx context.Context, entryID int64) (*forms.Entry, error)
	GetForm(ctx context.Context, formID int64) (*forms.Form, error)
}

type FormSettings interface {
	SettingsReader
	FormOverrides(ctx context.Context, formID int64) (settings.FormOverrides, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, message string, meta RequestMeta) Result
}

// Outcome is the result of processing one entry.
type Outcome struct {
	OK         bool      `json:"ok"`
	Text       string    `json:"text,omitempty"`
	Error      string    `json:"error,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Kind       FaultKind `json:"kind,omitempty"`
}

// Annotations is the analysis state stored on one entry.
type Annotations struct {
	AnalysisText string `json:"analysis_text,omitempty"`
	AnalysisDate string `json:"analysis_date,omitempty"`
	ErrorText    string `json:"error_text,omitempty"`
	ErrorDate    string `json:"error_date,omitempty"`
}

func (a Annotations) HasAnalysis() bool { return a.AnalysisText != "" }

type AnalysisService struct {
	settings    FormSettings
	client      Analyzer
	annotations AnnotationStore
	entries     EntryStore
	hooks       Hooks
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	log         *logrus.Entry
}

func NewAnalysisService(s FormSettings, client Analyzer, annotations AnnotationStore, entries EntryStore, hooks Hooks) *AnalysisService {
	return &AnalysisService{
		settings:    s,
		client:      client,
		annotations: annotations,
		entries:     entries,
		hooks:       hooks,
		clock:       clockwork.NewRealClock(),
		log:         logging.Component("analysis"),
	}
}

func (s *AnalysisService) SetClock(c clockwork.Clock)     { s.clock = c }
func (s *AnalysisService) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// ProcessEntry runs the analysis pipeline for one submitted entry. Each call
// re-reads settings, so changes apply to the next submission.
func (s *AnalysisService) ProcessEntry(ctx context.Context, entry *forms.Entry, form *forms.Form) Outcome {
	if entry == nil || form == nil {
		return Outcome{Error: ErrInvalidEntry}
	}
	logger := s.log.WithFields(logrus.Fields{"entry_id": entry.ID, "form_id": form.ID})

	g, err := s.settings.Global(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to load global settings")
		return Outcome{Error: fmt.Sprintf("failed to load settings: %v", err), Kind: FaultConfiguration}
	}
	if !g.Enabled {
		if err := s.annotations.AddNote(ctx, entry.ID, skipNoteTitle, skipNoteBody); err != nil {
			logger.WithError(err).Warn("Failed to record skip note")
		}
		s.metrics.RecordAnalysis("skipped_global")
		return Outcome{Error: ErrGlobalDisabled, Kind: FaultConfiguration}
	}

	overrides, err := s.settings.FormOverrides(ctx, form.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to load form settings")
		return Outcome{Error: fmt.Sprintf("failed to load form settings: %v", err), Kind: FaultConfiguration}
	}
	if !overrides.Enabled.Or(g.Enabled) {
		s.metrics.RecordAnalysis("skipped_form")
		return Outcome{Error: ErrFormDisabled, Kind: FaultConfiguration}
	}

	// An empty mapping selects every analyzable field of the current schema.
	c := forms.ExtractContext(entry, form, overrides.FieldIDs)

	template := overrides.Prompt
	if template == "" {
		template = g.DefaultPrompt
	}
	template = s.hooks.filterPrompt(template, c)
	message := prompt.Compose(template, c)

	res := s.client.Analyze(ctx, message, RequestMeta{FormID: form.ID, EntryID: entry.ID})
	now := forms.FormatDate(s.clock.Now())

	if res.OK {
		text := s.hooks.filterResult(res.Text, entry.ID, form.ID)
		s.annotate(ctx, logger, entry.ID, AnnotationAnalysisText, text)
		s.annotate(ctx, logger, entry.ID, AnnotationAnalysisDate, now)
		s.hooks.afterAnalysis(entry.ID, text, form.ID)
		s.metrics.RecordAnalysis("success")
		logger.Info("Entry analyzed")
		return Outcome{OK: true, Text: text, StatusCode: res.StatusCode}
	}

	s.annotate(ctx, logger, entry.ID, AnnotationErrorText, res.Error)
	s.annotate(ctx, logger, entry.ID, AnnotationErrorDate, now)
	s.hooks.analysisFailed(entry.ID, res.Error, form.ID)
	s.metrics.RecordAnalysis("failure")
	logger.WithField("kind", res.Kind).Warnf("Entry analysis failed: %s", res.Error)
	return Outcome{Error: res.Error, StatusCode: res.StatusCode, Kind: res.Kind}
}

func (s *AnalysisService) annotate(ctx context.Context, logger *logrus.Entry, entryID int64, key, value string) {
	if err := s.annotations.SetAnnotation(ctx, entryID, key, value); err != nil {
		logger.WithError(err).WithField("key", key).Error("Failed to store annotation")
	}
}

// AnalyzeByID loads an entry and its form and runs ProcessEntry. Used for
// manual analysis and re-analysis.
func (s *AnalysisService) AnalyzeByID(ctx context.Context, entryID int64) Outcome {
	entry, err := s.entries.GetEntry(ctx, entryID)
	if err != nil {
		s.log.WithError(err).WithField("entry_id", entryID).Error("Failed to load entry")
	}
	if entry == nil {
		return Outcome{Error: ErrInvalidEntry}
	}
	form, err := s.entries.GetForm(ctx, entry.FormID)
	if err != nil {
		s.log.WithError(err).WithField("form_id", entry.FormID).Error("Failed to load form")
	}
	if form == nil {
		return Outcome{Error: ErrInvalidEntry}
	}
	return s.ProcessEntry(ctx, entry, form)
}

// GetAnalysis returns the annotations stored on an entry.
func (s *AnalysisService) GetAnalysis(ctx context.Context, entryID int64) (Annotations, error) {
	var a Annotations
	targets := map[string]*string{
		AnnotationAnalysisText: &a.AnalysisText,
		AnnotationAnalysisDate: &a.AnalysisDate,
		AnnotationErrorText:    &a.ErrorText,
		AnnotationErrorDate:    &a.ErrorDate,
	}
	for key, dst := range targets {
		v, _, err := s.annotations.GetAnnotation(ctx, entryID, key)
		if err != nil {
			return a, fmt.Errorf("failed to read %s: %w", key, err)
		}
		*dst = v
	}
	return a, nil
}

// DeleteAnalysis clears all four annotations. Deleting an entry with nothing
// stored succeeds.
func (s *AnalysisService) DeleteAnalysis(ctx context.Context, entryID int64) error {
	if err := s.annotations.DeleteAnnotations(ctx, entryID, AnnotationKeys...); err != nil {
		return fmt.Errorf("failed to delete analysis: %w", err)
	}
	s.hooks.analysisDeleted(entryID)
	s.log.WithField("entry_id", entryID).Info("Analysis deleted")
	return nil
}
