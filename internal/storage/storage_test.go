package storage

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/models"
)

// exerciseStorage runs the behaviour every Storage implementation shares.
func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	id, err := s.CreateThread(ctx, "first")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.AppendMessage(ctx, id, models.RoleUser, "question", nil))
	require.NoError(t, s.AppendMessage(ctx, id, models.RoleAssistant, "answer", models.StringPtr("thinking")))

	rec, err := s.FetchThread(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Title)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, models.RoleUser, rec.Messages[0].Role)
	assert.Nil(t, rec.Messages[0].Reasoning)
	assert.Equal(t, "answer", rec.Messages[1].Content)
	require.NotNil(t, rec.Messages[1].Reasoning)
	assert.Equal(t, "thinking", *rec.Messages[1].Reasoning)
	assert.Less(t, rec.Messages[0].ID, rec.Messages[1].ID)

	err = s.AppendMessage(ctx, "missing", models.RoleUser, "x", nil)
	assert.True(t, errors.Is(err, ErrThreadNotFound))

	require.NoError(t, s.DeleteThread(ctx, id))
	_, err = s.FetchThread(ctx, id)
	assert.True(t, errors.Is(err, ErrThreadNotFound))
	assert.NoError(t, s.DeleteThread(ctx, id), "deleting twice is fine")
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()
	exerciseStorage(t, s)
}

func TestSQLiteStorage(t *testing.T) {
	s, err := NewSQLiteStorage(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	exerciseStorage(t, s)
}

func TestSQLiteSchemaIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/deepthink.db"
	s, err := NewSQLiteStorage(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	id, err := s.CreateThread(context.Background(), "kept")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.FetchThread(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "kept", rec.Title)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)

	s, err := New(context.Background(), DatabaseConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)
}

func TestBindNumbersPlaceholders(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", postgresDialect.bind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", mysqlDialect.bind("a = ?"))
}
