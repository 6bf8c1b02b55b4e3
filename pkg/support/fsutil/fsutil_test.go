// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr := must.M1(user.Current())
	assert.Equal(t, path.Join(usr.HomeDir, "models"), must.M1(ReplaceTildeInDir("~/models")))
	assert.Equal(t, usr.HomeDir, must.M1(ReplaceTildeInDir("~")))
	assert.Equal(t, "/tmp/models", must.M1(ReplaceTildeInDir("/tmp/models")))
	assert.Equal(t, "", must.M1(ReplaceTildeInDir("")))
}

func TestRequireFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pb"), []byte("graph"), 0o644))

	paths, err := RequireFiles(dir, "a.pb")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.pb")}, paths)
	assert.Equal(t, []byte("graph"), must.M1(ReadFile(paths[0])))

	_, err = RequireFiles(dir, "a.pb", "meta.json")
	require.ErrorContains(t, err, "meta.json")
	_, err = ReadFile(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.False(t, must.M1(FileExists(filepath.Join(dir, "missing"))))
}
