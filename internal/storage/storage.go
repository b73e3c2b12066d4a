package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/qing1huan/DeepThink/internal/models"
)

// ErrThreadNotFound is returned when a stored thread does not exist.
var ErrThreadNotFound = errors.New("stored thread not found")

// Storage is the durable mirror of conversation threads. It is written to
// best effort and never read on the request path.
type Storage interface {
	CreateThread(ctx context.Context, title string) (string, error)
	AppendMessage(ctx context.Context, threadID string, role models.Role, content string, reasoning *string) error
	FetchThread(ctx context.Context, id string) (*ThreadRecord, error)
	DeleteThread(ctx context.Context, id string) error
	Close() error
}

type ThreadRecord struct {
	ID        string
	Title     string
	CreatedAt time.Time
	Messages  []MessageRecord
}

type MessageRecord struct {
	ID        int64
	Role      models.Role
	Content   string
	Reasoning *string
	CreatedAt time.Time
}
