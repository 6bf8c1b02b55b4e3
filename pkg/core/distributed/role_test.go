// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for name, want := range map[string]Role{"": Unknown, "Driver": Driver, " worker ": Worker, "unknown": Unknown} {
		got, err := ParseRole(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, "ParseRole(%q)", name)
	}
	_, err := ParseRole("executor")
	require.Error(t, err)
	assert.Equal(t, "worker", Worker.String())
	assert.Equal(t, "Role(7)", Role(7).String())
}

func TestIsAuthoritative(t *testing.T) {
	t.Setenv(RoleEnvVar, "")
	assert.Equal(t, Unknown, CurrentRole())
	assert.True(t, IsAuthoritative(), "unknown role defaults to authoritative")

	t.Setenv(RoleEnvVar, "driver")
	assert.True(t, IsAuthoritative())

	t.Setenv(RoleEnvVar, "worker")
	assert.False(t, IsAuthoritative())

	t.Setenv(RoleEnvVar, "bogus")
	assert.True(t, IsAuthoritative())

	restore := SetRole(Worker)
	t.Setenv(RoleEnvVar, "driver")
	assert.False(t, IsAuthoritative(), "SetRole takes precedence over the environment")
	restore()
	assert.True(t, IsAuthoritative())
}
