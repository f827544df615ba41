package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell/agent-billing/pkg/config"
)

func execute(t *testing.T, load configLoader, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(load)
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func failingLoader(t *testing.T) configLoader {
	return func() (*config.Config, error) {
		t.Fatal("config must not be loaded")
		return nil, errors.New("unreachable")
	}
}

func TestCreateThenValidateWithoutConfig(t *testing.T) {
	base := t.TempDir()
	out, err := execute(t, failingLoader(t), "--dir", base, "create", "add", "ledger", "index")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "created"))

	entries, err := os.ReadDir(filepath.Join(base, "postgres"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), "_add_ledger_index.sql"))

	out, err = execute(t, failingLoader(t), "--dir", base, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations ok")
}

func TestToRejectsBadVersionBeforeConnecting(t *testing.T) {
	_, err := execute(t, failingLoader(t), "to", "yesterday")
	require.Error(t, err)
}

func TestDatabaseCommandsSurfaceConfigErrors(t *testing.T) {
	load := func() (*config.Config, error) { return nil, errors.New("missing PIXELL_DB_DSN") }
	_, err := execute(t, load, "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
