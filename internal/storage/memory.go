package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/qing1huan/DeepThink/internal/models"
)

type MemoryStorage struct {
	mu      sync.RWMutex
	threads map[string]*ThreadRecord
	seq     int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		threads: make(map[string]*ThreadRecord),
	}
}

func (s *MemoryStorage) CreateThread(ctx context.Context, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.threads[id] = &ThreadRecord{
		ID:        id,
		Title:     title,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, threadID string, role models.Role, content string, reasoning *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[threadID]
	if !exists {
		return errors.Wrapf(ErrThreadNotFound, "append to %s", threadID)
	}
	s.seq++
	var r *string
	if reasoning != nil {
		r = models.StringPtr(*reasoning)
	}
	thread.Messages = append(thread.Messages, MessageRecord{
		ID:        s.seq,
		Role:      role,
		Content:   content,
		Reasoning: r,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStorage) FetchThread(ctx context.Context, id string) (*ThreadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, exists := s.threads[id]
	if !exists {
		return nil, errors.Wrapf(ErrThreadNotFound, "fetch %s", id)
	}
	cp := *thread
	cp.Messages = append([]MessageRecord(nil), thread.Messages...)
	return &cp, nil
}

func (s *MemoryStorage) DeleteThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, id)
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
