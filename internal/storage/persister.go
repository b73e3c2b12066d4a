package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/metrics"
	"github.com/qing1huan/DeepThink/internal/models"
)

const (
	DefaultQueueSize  = 256
	DefaultMaxRetries = 5
	opTimeout         = 10 * time.Second
)

type opKind int

const (
	opCreate opKind = iota
	opAppend
	opDelete
)

type op struct {
	kind     opKind
	threadID string
	title    string
	message  models.Message
	deleted  []string
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithQueueSize bounds the number of pending operations.
func WithQueueSize(n int) PersisterOption {
	return func(p *Persister) { p.queueSize = n }
}

// WithBackOff replaces the per-operation retry policy.
func WithBackOff(policy func() backoff.BackOff) PersisterOption {
	return func(p *Persister) { p.policy = policy }
}

// Persister mirrors tree changes into a Storage from a single background
// worker, so operations reach storage in the order they were enqueued.
// Enqueueing never blocks; operations are dropped when the queue is full or
// retries are exhausted.
type Persister struct {
	store     Storage
	logger    *zap.Logger
	queueSize int
	policy    func() backoff.BackOff

	ops    chan op
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	// tree thread id -> storage id, touched only by the worker
	ids map[string]string
}

func NewPersister(store Storage, logger *zap.Logger, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:     store,
		logger:    logger,
		queueSize: DefaultQueueSize,
		policy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return backoff.WithMaxRetries(b, DefaultMaxRetries)
		},
		done: make(chan struct{}),
		ids:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ops = make(chan op, p.queueSize)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.run()
	return p
}

func (p *Persister) ThreadCreated(threadID, title string) {
	p.enqueue(op{kind: opCreate, threadID: threadID, title: title})
}

// MessageAppended records a finalized message. title is used if the thread
// has no stored counterpart yet.
func (p *Persister) MessageAppended(threadID, title string, m models.Message) {
	p.enqueue(op{kind: opAppend, threadID: threadID, title: title, message: m.Clone()})
}

func (p *Persister) ThreadsDeleted(threadIDs []string) {
	p.enqueue(op{kind: opDelete, deleted: append([]string(nil), threadIDs...)})
}

func (p *Persister) enqueue(o op) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		metrics.PersistDropped("closed")
		return
	}
	select {
	case p.ops <- o:
	default:
		metrics.PersistDropped("queue_full")
		p.logger.Warn("Persistence queue full, dropping operation",
			zap.String("thread_id", o.threadID),
			zap.Int("queue_size", p.queueSize))
	}
}

// Close stops accepting operations and drains the queue until ctx is done,
// then closes the storage.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ops)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
		<-p.done
	}
	p.cancel()
	return p.store.Close()
}

func (p *Persister) run() {
	defer close(p.done)
	for o := range p.ops {
		p.apply(o)
	}
}

func (p *Persister) apply(o op) {
	switch o.kind {
	case opCreate:
		if _, err := p.ensure(o.threadID, o.title); err != nil {
			p.dropped("create", o.threadID, err)
		}
	case opAppend:
		id, err := p.ensure(o.threadID, o.title)
		if err != nil {
			p.dropped("append", o.threadID, err)
			return
		}
		m := o.message
		err = p.retry(func(ctx context.Context) error {
			return p.store.AppendMessage(ctx, id, m.Role, m.Content, m.Reasoning)
		})
		if err != nil {
			p.dropped("append", o.threadID, err)
		}
	case opDelete:
		for _, threadID := range o.deleted {
			id, ok := p.ids[threadID]
			if !ok {
				continue
			}
			delete(p.ids, threadID)
			if err := p.retry(func(ctx context.Context) error { return p.store.DeleteThread(ctx, id) }); err != nil {
				p.dropped("delete", threadID, err)
			}
		}
	}
}

// ensure returns the storage id for a tree thread, creating the stored thread
// on first use.
func (p *Persister) ensure(threadID, title string) (string, error) {
	if id, ok := p.ids[threadID]; ok {
		return id, nil
	}
	var id string
	err := p.retry(func(ctx context.Context) error {
		var err error
		id, err = p.store.CreateThread(ctx, title)
		return err
	})
	if err != nil {
		return "", err
	}
	p.ids[threadID] = id
	return id, nil
}

func (p *Persister) retry(fn func(ctx context.Context) error) error {
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(p.ctx, opTimeout)
		defer cancel()
		return fn(ctx)
	}, backoff.WithContext(p.policy(), p.ctx))
}

func (p *Persister) dropped(kind, threadID string, err error) {
	metrics.PersistDropped("retries_exhausted")
	p.logger.Warn("Failed to persist, dropping operation",
		zap.Error(err),
		zap.String("op", kind),
		zap.String("thread_id", threadID))
}
