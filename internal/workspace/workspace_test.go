package workspace

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/tree"
)

func TestCreateSeedsRootThread(t *testing.T) {
	m := NewManager("hi there", zap.NewNop())
	ws := m.Create("")
	assert.Equal(t, DefaultName, ws.Name)

	threads := ws.Tree.List()
	require.Len(t, threads, 1)
	assert.Equal(t, DefaultTitle, threads[0].Title)
	require.Len(t, threads[0].Messages, 1)
	assert.True(t, threads[0].Messages[0].IsWelcome())
	assert.Equal(t, threads[0].ID, ws.Tree.Active())
}

func TestWorkspacesAreIndependent(t *testing.T) {
	m := NewManager("", zap.NewNop())
	a := m.Create("a")
	b := m.Create("b")

	_, err := a.Tree.CreateFork(a.Tree.Active(), "", "")
	require.Error(t, err, "empty root has nothing to fork at")
	assert.Equal(t, 1, a.Tree.Len())
	assert.Equal(t, 1, b.Tree.Len())

	_, err = b.Tree.Get(a.Tree.Active())
	assert.True(t, errors.Is(err, tree.ErrNotFound))
}

func TestDefaultAndDelete(t *testing.T) {
	m := NewManager("", zap.NewNop())
	first := m.Default()
	assert.Same(t, first, m.Default())

	second := m.Create("second")
	assert.Len(t, m.List(), 2)
	assert.Same(t, first, m.List()[0])

	removed, err := m.Delete(first.ID)
	require.NoError(t, err)
	assert.Same(t, first, removed)
	assert.Same(t, second, m.Default())

	_, err = m.Get(first.ID)
	assert.True(t, errors.Is(err, tree.ErrNotFound))
	_, err = m.Delete(first.ID)
	assert.True(t, errors.Is(err, tree.ErrNotFound))
}

func TestAdoptReplaces(t *testing.T) {
	m := NewManager("", zap.NewNop())
	ws := m.Create("x")
	fresh := m.Fresh(ws.ID, "y", ws.CreatedAt)
	m.Adopt(fresh)

	got, err := m.Get(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "y", got.Name)
	assert.Len(t, m.List(), 1)
}
