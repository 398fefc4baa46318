package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

// execute runs one agent invocation against dataDir without a server.
func execute(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--offline", "--data-dir", dataDir}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAgent_ScanIntoNewBatch(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "batch", "create", "Corral", "Norte")
	require.NoError(t, err)
	assert.Contains(t, out, "Corral Norte")

	out, err = execute(t, dir, "scan", "MX-100", "mx-100", "MX-200")
	require.NoError(t, err)
	assert.Contains(t, out, "duplicate")

	out, err = execute(t, dir, "view")
	require.NoError(t, err)
	assert.Contains(t, out, "Corral Norte")
	assert.Contains(t, out, "total 2")
	assert.Contains(t, out, "2 tags not uploaded")

	out, err = execute(t, dir, "view", "--search", "200")
	require.NoError(t, err)
	assert.Contains(t, out, "MX-200")
	assert.NotContains(t, out, "MX-100")

	out, err = execute(t, dir, "batch", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Corral Norte")
	assert.Contains(t, out, "2 tags")
}

func TestAgent_ScanWithoutSelection(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "scan", "MX-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoActiveBatch)
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, dir, "batch", "select", "--unassigned")
	require.NoError(t, err)
	out, err := execute(t, dir, "scan", "MX-1")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded")
}

func TestAgent_RejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "status", "some-id", "LOST")
	assert.True(t, errors.IsValidation(err))

	_, err = execute(t, dir, "batch", "select")
	assert.True(t, errors.IsValidation(err))

	_, err = execute(t, dir, "batch", "select", "x", "--clear")
	assert.True(t, errors.IsValidation(err))
}

func TestAgent_DrainOffline(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "batch", "create")
	require.NoError(t, err)

	out, err := execute(t, dir, "drain")
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded 0")
}

func TestOfflineRemote(t *testing.T) {
	ctx := context.Background()
	var r offlineRemote

	_, err := r.CreateTag(ctx, models.Tag{})
	assert.ErrorIs(t, err, errors.ErrRemoteUnavailable)
	assert.ErrorIs(t, r.Ping(ctx), errors.ErrRemoteUnavailable)
	_, err = r.Subscribe(ctx, func(models.Event) {})
	assert.ErrorIs(t, err, errors.ErrRemoteUnavailable)
	assert.False(t, errors.IsValidation(err))
}
