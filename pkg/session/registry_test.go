// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T, projectID string) ProjectContext {
	t.Helper()
	pc, err := NewProjectContext(t.TempDir(), "", projectID)
	require.NoError(t, err)
	return pc
}

func TestNewProjectContextValidation(t *testing.T) {
	_, err := NewProjectContext("", "", "p")
	assert.Error(t, err)

	_, err = NewProjectContext("relative/path", "", "p")
	assert.Error(t, err)

	root := t.TempDir()
	_, err = NewProjectContext(root, "../outside", "p")
	assert.Error(t, err)

	pc, err := NewProjectContext(root, "src", "My Project!")
	require.NoError(t, err)
	assert.Equal(t, "my-project-", pc.ProjectID)
	assert.Equal(t, filepath.Join(root, "src"), pc.SourcePath())
}

func TestNewProjectContextDerivesIDFromRoot(t *testing.T) {
	root := t.TempDir()
	pc, err := NewProjectContext(root, "", "")
	require.NoError(t, err)
	assert.Equal(t, NormalizeProjectID(filepath.Base(root)), pc.ProjectID)
	assert.Equal(t, root, pc.SourcePath())
}

func TestRegistrySetWorkspaceAndContext(t *testing.T) {
	r := NewRegistry(nil, Hooks{})
	t.Cleanup(r.Close)

	pc := testContext(t, "p1")
	prev, err := r.SetWorkspace("s1", pc)
	require.NoError(t, err)
	assert.True(t, prev.Zero())
	assert.True(t, r.Context("s1").Equal(pc))

	// Other sessions stay unset.
	assert.True(t, r.Context("s2").Zero())
}

func TestRegistryDefaultSessionForEmptyID(t *testing.T) {
	r := NewRegistry(nil, Hooks{})
	t.Cleanup(r.Close)

	pc := testContext(t, "shared")
	_, err := r.SetWorkspace("", pc)
	require.NoError(t, err)
	assert.True(t, r.Context(DefaultSessionID).Equal(pc))
	assert.True(t, r.Context("").Equal(pc))
}

func TestRegistryProjectChangeHook(t *testing.T) {
	var fired int
	var gotPrev, gotNext ProjectContext
	r := NewRegistry(nil, Hooks{
		OnProjectChange: func(prev, next ProjectContext) {
			fired++
			gotPrev, gotNext = prev, next
		},
	})
	t.Cleanup(r.Close)

	p1 := testContext(t, "p1")
	p2 := testContext(t, "p2")

	_, err := r.SetWorkspace("s1", p1)
	require.NoError(t, err)
	require.Equal(t, 1, fired)
	assert.True(t, gotPrev.Zero())
	assert.Equal(t, "p1", gotNext.ProjectID)

	// Re-setting the identical context is a no-op.
	prev, err := r.SetWorkspace("s1", p1)
	require.NoError(t, err)
	assert.Equal(t, "p1", prev.ProjectID)
	assert.Equal(t, 1, fired)

	_, err = r.SetWorkspace("s1", p2)
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
	assert.Equal(t, "p1", gotPrev.ProjectID)
}

func TestRegistryTerminate(t *testing.T) {
	r := NewRegistry(nil, Hooks{})
	t.Cleanup(r.Close)

	_, err := r.SetWorkspace("s1", testContext(t, "p1"))
	require.NoError(t, err)
	require.Contains(t, r.ActiveSessions(), "s1")

	r.Terminate("s1")
	assert.True(t, r.Context("s1").Zero())
	assert.NotContains(t, r.ActiveSessions(), "s1")

	// Terminating an unknown session is a no-op.
	r.Terminate("ghost")
}

func TestRegistryStartsWatcherForSourceChanges(t *testing.T) {
	ch := make(chan ProjectContext, 1)
	r := NewRegistry(nil, Hooks{
		OnSourceChange: func(pc ProjectContext) { ch <- pc },
	})
	t.Cleanup(r.Close)

	pc := testContext(t, "watched")
	_, err := r.SetWorkspace("s1", pc)
	require.NoError(t, err)

	// Switching workspaces stops the old watcher without firing.
	_, err = r.SetWorkspace("s1", testContext(t, "next"))
	require.NoError(t, err)
	select {
	case got := <-ch:
		t.Fatalf("unexpected source change for %q", got.ProjectID)
	default:
	}
}
