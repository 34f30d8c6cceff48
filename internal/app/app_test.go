package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/form-insights/internal/core"
	"gwi.com/form-insights/internal/settings"
	"gwi.com/form-insights/internal/store"
	"gwi.com/form-insights/internal/vault"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(Options{DatabaseURL: ":memory:", AuthKey: "key", AuthSalt: "salt"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_AppliesDefaults(t *testing.T) {
	a := newTestApp(t)

	v, ok, err := a.Store.GetSetting(context.Background(), settings.KeyModel)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, settings.Defaults.Model, v)
	assert.True(t, a.Vault.Configured())
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	require.NoError(t, a.Vault.SaveCredential(ctx, "sk-test"))
	require.NoError(t, a.Store.SetAnnotation(ctx, 1, core.AnnotationAnalysisText, "x"))
	require.NoError(t, a.Store.InsertLog(ctx, &store.LogRow{FormID: 1, EntryID: 1, Status: store.LogStatusSuccess}))

	require.NoError(t, a.Purge(ctx))

	assert.False(t, a.Vault.HasCredential(ctx))
	_, ok, err := a.Store.GetSetting(ctx, vault.CredentialKey)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = a.Store.GetAnnotation(ctx, 1, core.AnnotationAnalysisText)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := a.Store.CountLogs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApps_ShareStateThroughDatabase(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "shared.db")

	open := func() *App {
		a, err := New(Options{DatabaseURL: dsn, AuthKey: "key", AuthSalt: "salt"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })
		return a
	}
	server := open()
	operator := open()

	require.NoError(t, server.Settings.Set(ctx, settings.KeyEnabled, "1"))
	assert.False(t, server.Vault.HasCredential(ctx))
	g, err := server.Settings.Global(ctx)
	require.NoError(t, err)
	require.True(t, g.Enabled)

	require.NoError(t, operator.Vault.SaveCredential(ctx, "sk-operator"))
	require.NoError(t, operator.Settings.Set(ctx, settings.KeyEnabled, "0"))

	got, ok := server.Vault.GetCredential(ctx)
	assert.True(t, ok)
	assert.Equal(t, "sk-operator", got)
	g, err = server.Settings.Global(ctx)
	require.NoError(t, err)
	assert.False(t, g.Enabled)

	require.NoError(t, operator.Purge(ctx))
	assert.False(t, server.Vault.HasCredential(ctx))
}
