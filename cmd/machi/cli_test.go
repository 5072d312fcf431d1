package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "machi version dev\n", out)
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "version dev")
}

func TestResolveRequiresTwoArgs(t *testing.T) {
	_, err := execute(t, "resolve", "only-one")
	require.Error(t, err)
}

func TestResolveRejectsInvalidJSON(t *testing.T) {
	_, err := execute(t, "resolve", "abc", "{not json")
	require.ErrorIs(t, err, errInvalidResult)
}

func TestMigrateAndResolveUnknownCall(t *testing.T) {
	t.Setenv("MACHI_STORE", "sqlite")
	t.Setenv("MACHI_SQLITE_PATH", filepath.Join(t.TempDir(), "machi.db"))
	t.Setenv("MACHI_BUS", "memory")

	_, err := execute(t, "migrate")
	require.NoError(t, err)

	_, err = execute(t, "resolve", "no-such-call", `{"ok":true}`)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
