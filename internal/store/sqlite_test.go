package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/form-insights/internal/forms"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetSetting(ctx, "model")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, "model", "a"))
	require.NoError(t, s.SetSetting(ctx, "model", "b"))

	v, ok, err := s.GetSetting(ctx, "model")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	all, err := s.ListSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"model": "b"}, all)

	require.NoError(t, s.DeleteSetting(ctx, "model"))
	_, ok, err = s.GetSetting(ctx, "model")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFormsAndEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	form := &forms.Form{ID: 7, Title: "Contact", Fields: []forms.Field{
		{ID: 1, Type: forms.FieldName, Label: "Name"},
		{ID: 2, Type: forms.FieldEmail, Label: "Email"},
	}}
	require.NoError(t, s.SaveForm(ctx, form))

	got, err := s.GetForm(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Contact", got.Title)
	assert.Len(t, got.Fields, 2)

	missing, err := s.GetForm(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	created := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	entry := &forms.Entry{FormID: 7, CreatedAt: created, Values: map[string]forms.Value{
		"1.3": forms.Text("John"),
		"2":   forms.Text("john@x.com"),
	}}
	require.NoError(t, s.CreateEntry(ctx, entry))
	assert.NotZero(t, entry.ID)

	loaded, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(7), loaded.FormID)
	assert.True(t, created.Equal(loaded.CreatedAt))
	assert.Equal(t, "john@x.com", loaded.Get("2").String())

	list, err := s.ListForms(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAnnotations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetAnnotation(ctx, 1, "analysis_text", "first"))
	require.NoError(t, s.SetAnnotation(ctx, 1, "analysis_text", "second"))
	require.NoError(t, s.SetAnnotation(ctx, 1, "analysis_date", "2025-01-01 00:00:00"))

	v, ok, err := s.GetAnnotation(ctx, 1, "analysis_text")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", v)

	require.NoError(t, s.DeleteAnnotations(ctx, 1, "analysis_text", "analysis_date", "never_set"))
	_, ok, err = s.GetAnnotation(ctx, 1, "analysis_text")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddNote(ctx, 3, "AI Analysis", "skipped"))
	notes, err := s.GetNotes(ctx, 3)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "AI Analysis", notes[0].Title)
	assert.Equal(t, "skipped", notes[0].Body)
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertLog(ctx, &LogRow{
			RequestID: "r",
			FormID:    1,
			EntryID:   int64(i + 1),
			Status:    LogStatusSuccess,
			Request:   `{"model":"m"}`,
			CreatedAt: base.AddDate(0, 0, i),
		}))
	}

	n, err := s.CountLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	page, err := s.ListLogs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].EntryID)
	assert.Equal(t, int64(2), page[1].EntryID)

	row, err := s.GetLog(ctx, page[0].ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, LogStatusSuccess, row.Status)
	assert.Equal(t, "", row.Response)

	missing, err := s.GetLog(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	purged, err := s.DeleteLogsBefore(ctx, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	require.NoError(t, s.TruncateLogs(ctx))
	n, err = s.CountLogs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogStatusConstraint(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertLog(context.Background(), &LogRow{FormID: 1, EntryID: 1, Status: LogStatus("pending")})
	assert.Error(t, err)
}

func TestPurgeAnalysisData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetSetting(ctx, "enabled", "1"))
	require.NoError(t, s.SetAnnotation(ctx, 1, "analysis_text", "x"))
	require.NoError(t, s.SetAnnotation(ctx, 1, "unrelated", "y"))
	require.NoError(t, s.InsertLog(ctx, &LogRow{FormID: 1, EntryID: 1, Status: LogStatusError}))

	require.NoError(t, s.PurgeAnalysisData(ctx, "analysis_text"))

	_, ok, err := s.GetAnnotation(ctx, 1, "analysis_text")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetAnnotation(ctx, 1, "unrelated")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.GetSetting(ctx, "enabled")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.CountLogs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDataVersion_ChangesOnlyForOtherConnections(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	v1, err := a.DataVersion(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetSetting(ctx, "model", "own-write"))
	v2, err := a.DataVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	require.NoError(t, b.SetSetting(ctx, "model", "other-write"))
	v3, err := a.DataVersion(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, v2, v3)

	v, ok, err := a.GetSetting(ctx, "model")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "other-write", v)
}
