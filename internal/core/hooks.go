package core

import "gwi.com/form-insights/internal/forms"

type (
	// PromptFilter rewrites the resolved prompt template before placeholders are filled.
	PromptFilter func(prompt string, c forms.Context) string
	// ResultFilter rewrites the analysis text before it is stored.
	ResultFilter func(text string, entryID, formID int64) string

	AfterAnalysisFunc   func(entryID int64, text string, formID int64)
	AnalysisFailedFunc  func(entryID int64, errMsg string, formID int64)
	AnalysisDeletedFunc func(entryID int64)
)

// Hooks are the extension points of AnalysisService. Filters run in order,
// each receiving the previous output. Nil slices are fine.
type Hooks struct {
	PromptFilters   []PromptFilter
	ResultFilters   []ResultFilter
	AfterAnalysis   []AfterAnalysisFunc
	AnalysisFailed  []AnalysisFailedFunc
	AnalysisDeleted []AnalysisDeletedFunc
}

func (h *Hooks) filterPrompt(prompt string, c forms.Context) string {
	for _, f := range h.PromptFilters {
		prompt = f(prompt, c)
	}
	return prompt
}

func (h *Hooks) filterResult(text string, entryID, formID int64) string {
	for _, f := range h.ResultFilters {
		text = f(text, entryID, formID)
	}
	return text
}

func (h *Hooks) afterAnalysis(entryID int64, text string, formID int64) {
	for _, f := range h.AfterAnalysis {
		f(entryID, text, formID)
	}
}

func (h *Hooks) analysisFailed(entryID int64, errMsg string, formID int64) {
	for _, f := range h.AnalysisFailed {
		f(entryID, errMsg, formID)
	}
}

func (h *Hooks) analysisDeleted(entryID int64) {
	for _, f := range h.AnalysisDeleted {
		f(entryID)
	}
}
