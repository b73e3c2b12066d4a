package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

func populated(t *testing.T) *workspace.Manager {
	t.Helper()
	m := workspace.NewManager("welcome", zap.NewNop())
	ws := m.Create("main")
	root := ws.Tree.Active()
	q, err := ws.Tree.AppendMessage(root, models.Message{Role: models.RoleUser, Content: "q", Final: true})
	require.NoError(t, err)
	fork, err := ws.Tree.CreateFork(root, q.ID, "side")
	require.NoError(t, err)
	// Left streaming, as if the process died mid-reply.
	_, err = ws.Tree.AppendMessage(fork.ID, models.Message{Role: models.RoleAssistant, Content: "partial"})
	require.NoError(t, err)
	require.NoError(t, ws.Tree.SetActive(fork.ID))
	return m
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	src := populated(t)
	require.NoError(t, Save(path, Capture(src)))

	dst := workspace.NewManager("welcome", zap.NewNop())
	rep, err := Restore(path, dst, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, rep.Restored, 1)
	assert.Empty(t, rep.Replaced)

	want := src.List()[0]
	got, err := dst.Get(want.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
	assert.Equal(t, want.Tree.Active(), got.Tree.Active())
	assert.Equal(t, 2, got.Tree.Len())

	fork, err := got.Tree.Get(got.Tree.Active())
	require.NoError(t, err)
	last, ok := fork.Last()
	require.True(t, ok)
	assert.True(t, last.Final, "streaming message is frozen on load")
	assert.Equal(t, "partial", last.Content)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	require.NoError(t, Save(path, Capture(populated(t))))
	require.NoError(t, Save(path, Capture(populated(t))))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snapshot.json", entries[0].Name())
}

func TestRestoreMissingFileStartsFresh(t *testing.T) {
	m := workspace.NewManager("", zap.NewNop())
	_, err := Restore(filepath.Join(t.TempDir(), "nope.json"), m, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, m.List(), 1)
}

func TestRestoreRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{"},
		{name: "future version", body: `{"version": 2, "workspaces": []}`},
		{name: "no version", body: `{"workspaces": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))

			m := workspace.NewManager("", zap.NewNop())
			_, err := Restore(path, m, zap.NewNop())
			assert.Error(t, err)
			assert.Len(t, m.List(), 1, "fresh default workspace")
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "v.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestInvalidWorkspaceReplacedByFreshRoot(t *testing.T) {
	f := Capture(populated(t))
	good := f.Workspaces[0]
	bad := Workspace{
		ID:   "broken",
		Name: "broken",
		Threads: []models.Thread{
			{ID: "orphan", ParentThreadID: "ghost", ForkMessageID: "m"},
		},
	}
	f.Workspaces = append(f.Workspaces, bad)

	m := workspace.NewManager("welcome", zap.NewNop())
	rep := Apply(f, m, zap.NewNop())
	assert.Equal(t, []string{good.ID}, rep.Restored)
	require.Contains(t, rep.Replaced, "broken")

	ws, err := m.Get("broken")
	require.NoError(t, err)
	assert.Equal(t, 1, ws.Tree.Len())
	assert.Equal(t, "broken", ws.Name)
}
