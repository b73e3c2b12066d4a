package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/models"
)

func fastRetry(n uint64) PersisterOption {
	return WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), n)
	})
}

// flakyStorage fails the first failures calls of every method.
type flakyStorage struct {
	*MemoryStorage
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStorage) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient")
	}
	return nil
}

func (f *flakyStorage) CreateThread(ctx context.Context, title string) (string, error) {
	if err := f.fail(); err != nil {
		return "", err
	}
	return f.MemoryStorage.CreateThread(ctx, title)
}

func (f *flakyStorage) AppendMessage(ctx context.Context, id string, role models.Role, content string, reasoning *string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryStorage.AppendMessage(ctx, id, role, content, reasoning)
}

func onlyThread(t *testing.T, s *MemoryStorage) *ThreadRecord {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Len(t, s.threads, 1)
	for _, rec := range s.threads {
		return rec
	}
	return nil
}

func TestPersisterMirrorsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mem := NewMemoryStorage()
	p := NewPersister(mem, zap.NewNop(), fastRetry(3))
	p.ThreadCreated("t1", "title")
	for _, c := range []string{"a", "b", "c"} {
		p.MessageAppended("t1", "title", models.Message{Role: models.RoleUser, Content: c})
	}
	require.NoError(t, p.Close(context.Background()))

	rec := onlyThread(t, mem)
	assert.Equal(t, "title", rec.Title)
	require.Len(t, rec.Messages, 3)
	assert.Equal(t, "a", rec.Messages[0].Content)
	assert.Equal(t, "c", rec.Messages[2].Content)
}

func TestPersisterRetriesTransientFailures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &flakyStorage{MemoryStorage: NewMemoryStorage(), failures: 2}
	p := NewPersister(store, zap.NewNop(), fastRetry(5))
	p.MessageAppended("t1", "lazy", models.Message{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, p.Close(context.Background()))

	rec := onlyThread(t, store.MemoryStorage)
	assert.Equal(t, "lazy", rec.Title, "thread created on first append")
	assert.Len(t, rec.Messages, 1)
}

func TestPersisterDropsAfterRetriesExhausted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &flakyStorage{MemoryStorage: NewMemoryStorage(), failures: 100}
	p := NewPersister(store, zap.NewNop(), fastRetry(2))
	p.ThreadCreated("t1", "never")
	require.NoError(t, p.Close(context.Background()))
	assert.Empty(t, store.threads)
	assert.Equal(t, 3, store.calls)
}

func TestPersisterDeletesMirroredThreads(t *testing.T) {
	mem := NewMemoryStorage()
	p := NewPersister(mem, zap.NewNop(), fastRetry(1))
	p.ThreadCreated("t1", "a")
	p.ThreadCreated("t2", "b")
	p.ThreadsDeleted([]string{"t1", "unknown"})
	require.NoError(t, p.Close(context.Background()))

	rec := onlyThread(t, mem)
	assert.Equal(t, "b", rec.Title)
}

// blockingStorage parks CreateThread until released.
type blockingStorage struct {
	*MemoryStorage
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStorage) CreateThread(ctx context.Context, title string) (string, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.MemoryStorage.CreateThread(ctx, title)
}

func TestPersisterDropsWhenQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &blockingStorage{
		MemoryStorage: NewMemoryStorage(),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	p := NewPersister(store, zap.NewNop(), WithQueueSize(1), fastRetry(0))

	p.ThreadCreated("t1", "working")
	<-store.entered
	p.ThreadCreated("t2", "queued")
	p.ThreadCreated("t3", "dropped")
	close(store.release)
	require.NoError(t, p.Close(context.Background()))

	titles := map[string]bool{}
	for _, rec := range store.threads {
		titles[rec.Title] = true
	}
	assert.Equal(t, map[string]bool{"working": true, "queued": true}, titles)
}

func TestPersisterIgnoresOpsAfterClose(t *testing.T) {
	mem := NewMemoryStorage()
	p := NewPersister(mem, zap.NewNop())
	require.NoError(t, p.Close(context.Background()))
	p.ThreadCreated("late", "x")
	assert.Empty(t, mem.threads)
}
