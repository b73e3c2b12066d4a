// Package chat runs response streams into conversation threads.
package chat

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/assembler"
	"github.com/qing1huan/DeepThink/internal/metrics"
	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/stream"
	"github.com/qing1huan/DeepThink/internal/tree"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

var (
	// ErrBusy means the thread already has a reply streaming.
	ErrBusy = errors.Wrap(tree.ErrInvalidState, "reply already streaming")
	// ErrEmptyMessage rejects a send without content.
	ErrEmptyMessage = errors.New("message content is empty")
	ErrClosed       = errors.New("chat engine is shut down")

	errConsumer = errors.New("stream consumer failed")
)

const titleTimeout = 20 * time.Second

// Stream kinds used as metric labels.
const (
	KindSend   = "send"
	KindBranch = "branch"
)

// Streamer opens a streaming completion and returns the raw event stream.
type Streamer interface {
	Stream(ctx context.Context, model string, turns []models.Turn) (io.ReadCloser, error)
}

// Titler names a conversation from its first exchange.
type Titler interface {
	Title(ctx context.Context, exchange []models.Turn) (string, error)
}

// Persistence receives best-effort notifications of tree changes.
type Persistence interface {
	ThreadCreated(threadID, title string)
	MessageAppended(threadID, title string, m models.Message)
	ThreadsDeleted(threadIDs []string)
}

type nopPersistence struct{}

func (nopPersistence) ThreadCreated(string, string)                  {}
func (nopPersistence) MessageAppended(string, string, models.Message) {}
func (nopPersistence) ThreadsDeleted([]string)                        {}

type Outcome string

const (
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
	Fallback  Outcome = "fallback"
)

// Result is the finalized reply of one stream.
type Result struct {
	Message models.Message
	Outcome Outcome
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Engine)

func WithTitler(t Titler) Option {
	return func(e *Engine) { e.titler = t }
}

func WithPersistence(p Persistence) Option {
	return func(e *Engine) { e.persist = p }
}

// Engine streams model replies into threads. Each thread has at most one
// reply in flight.
type Engine struct {
	upstream Streamer
	titler   Titler
	persist  Persistence
	logger   *zap.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

func NewEngine(upstream Streamer, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		upstream: upstream,
		persist:  nopPersistence{},
		logger:   logger,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.base, e.stop = context.WithCancel(context.Background())
	return e
}

// Persistence returns the collaborator tree changes are reported to.
func (e *Engine) Persistence() Persistence {
	return e.persist
}

// Send appends a user message to the thread and streams the reply into a new
// trailing assistant message. Delimited text is passed to out as it arrives;
// out may be nil. Cancelling ctx stops the stream and keeps what arrived.
func (e *Engine) Send(ctx context.Context, ws *workspace.Workspace, threadID, content string, out stream.Sink) (Result, error) {
	if strings.TrimSpace(content) == "" {
		return Result{}, ErrEmptyMessage
	}
	runCtx, release, err := e.reserve(ctx, ws.ID, threadID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	turns, err := assembler.Build(ws.Tree, threadID, content)
	if err != nil {
		return Result{}, err
	}
	user, err := ws.Tree.AppendMessage(threadID, models.Message{Role: models.RoleUser, Content: content, Final: true})
	if err != nil {
		return Result{}, err
	}
	e.persistMessage(ws, threadID, user)

	return e.generate(runCtx, ws, threadID, turns, out, KindSend)
}

// Start streams a reply to the thread's current history in the background.
// It fails if the thread is missing or already streaming.
func (e *Engine) Start(ws *workspace.Workspace, threadID string) error {
	runCtx, release, err := e.reserve(e.base, ws.ID, threadID)
	if err != nil {
		return err
	}
	turns, err := assembler.Thread(ws.Tree, threadID)
	if err != nil {
		release()
		return err
	}
	if !e.track() {
		release()
		return ErrClosed
	}

	go func() {
		defer e.wg.Done()
		defer release()
		if _, err := e.generate(runCtx, ws, threadID, turns, nil, KindBranch); err != nil {
			e.logger.Error("Failed to stream reply",
				zap.Error(err),
				zap.String("workspace_id", ws.ID),
				zap.String("thread_id", threadID))
		}
	}()
	return nil
}

// Done returns a channel closed when the thread's current stream ends. It is
// already closed if nothing is streaming.
func (e *Engine) Done(ws *workspace.Workspace, threadID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[runKey(ws.ID, threadID)]; ok {
		return r.done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Streaming reports whether the thread has a reply in flight.
func (e *Engine) Streaming(ws *workspace.Workspace, threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[runKey(ws.ID, threadID)]
	return ok
}

// Cancel stops the thread's stream. It reports whether one was running.
func (e *Engine) Cancel(ws *workspace.Workspace, threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runKey(ws.ID, threadID)]
	if ok {
		r.cancel()
	}
	return ok
}

// CancelWorkspace stops every stream in the workspace.
func (e *Engine) CancelWorkspace(ws *workspace.Workspace) {
	prefix := ws.ID + "/"
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, r := range e.runs {
		if strings.HasPrefix(key, prefix) {
			r.cancel()
		}
	}
}

// Shutdown cancels every stream and waits for background work until ctx is
// done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.runs {
		r.cancel()
	}
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track counts one background goroutine unless the engine is shut down. The
// caller must call e.wg.Done when it reports true.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func runKey(workspaceID, threadID string) string {
	return workspaceID + "/" + threadID
}

func (e *Engine) reserve(parent context.Context, workspaceID, threadID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, ErrClosed
	}
	key := runKey(workspaceID, threadID)
	if _, busy := e.runs[key]; busy {
		return nil, nil, errors.Wrapf(ErrBusy, "thread %s", threadID)
	}
	ctx, cancel := context.WithCancel(parent)
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.runs[key] = r

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.mu.Lock()
			if e.runs[key] == r {
				delete(e.runs, key)
			}
			e.mu.Unlock()
			cancel()
			close(r.done)
		})
	}
	return ctx, release, nil
}

func (e *Engine) generate(ctx context.Context, ws *workspace.Workspace, threadID string, turns []models.Turn, out stream.Sink, kind string) (Result, error) {
	finish := metrics.StreamStarted(kind)
	log := e.logger.With(zap.String("workspace_id", ws.ID), zap.String("thread_id", threadID))

	reply, err := ws.Tree.AppendMessage(threadID, models.Message{Role: models.RoleAssistant})
	if err != nil {
		finish(metrics.OutcomeError)
		return Result{}, err
	}

	var (
		buf     strings.Builder
		emitted bool
	)
	sink := func(text string) error {
		buf.WriteString(text)
		p := stream.Parse(buf.String())
		if err := ws.Tree.MutateLastMessage(threadID, reply.ID, tree.Partial{Content: &p.Content, Reasoning: p.Reasoning}); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		emitted = true
		if err := out(text); err != nil {
			return errors.Wrap(errConsumer, err.Error())
		}
		return nil
	}

	stage := "open"
	body, err := e.upstream.Stream(ctx, "", turns)
	if err == nil {
		stage = "read"
		err = stream.Pump(ctx, body, sink)
	}

	outcome := Completed
	switch {
	case err == nil:
		if p := stream.Parse(buf.String()); p.Content == "" && p.Reasoning == nil {
			stage, err, outcome = "empty", errors.Wrap(errEmptyReply, "no content"), Fallback
		}
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, tree.ErrInvalidState):
		// The thread was deleted under the stream.
		finish(metrics.OutcomeError)
		return Result{}, err
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, errConsumer):
		outcome = Cancelled
	default:
		outcome = Fallback
	}

	if outcome == Fallback {
		metrics.UpstreamFailure(stage)
		log.Warn("Upstream failed, using fallback reply", zap.Error(err), zap.String("stage", stage))
		fb := FallbackReply(lastUser(turns))
		if err := ws.Tree.MutateLastMessage(threadID, reply.ID, tree.Partial{Content: &fb}); err != nil {
			finish(metrics.OutcomeError)
			return Result{}, err
		}
		if out != nil && !emitted {
			if err := out(fb); err != nil {
				log.Debug("Consumer gone before fallback", zap.Error(err))
			}
		}
	}

	if err := ws.Tree.FinalizeMessage(threadID, reply.ID); err != nil {
		finish(metrics.OutcomeError)
		return Result{}, err
	}
	th, err := ws.Tree.Get(threadID)
	if err != nil {
		finish(metrics.OutcomeError)
		return Result{}, err
	}
	final, _ := th.Last()

	reasoningLen := 0
	if final.Reasoning != nil {
		reasoningLen = len(*final.Reasoning)
	}
	metrics.Output(reasoningLen, len(final.Content))
	finish(string(outcome))
	log.Info("Reply finished",
		zap.String("message_id", final.ID),
		zap.String("outcome", string(outcome)),
		zap.Int("reasoning_bytes", reasoningLen),
		zap.Int("answer_bytes", len(final.Content)))

	e.persist.MessageAppended(threadID, th.Title, final)
	if outcome == Completed {
		e.maybeTitle(ws, th, turns)
	}
	return Result{Message: final, Outcome: outcome}, nil
}

var errEmptyReply = errors.New("upstream returned an empty reply")

func (e *Engine) persistMessage(ws *workspace.Workspace, threadID string, m models.Message) {
	th, err := ws.Tree.Get(threadID)
	if err != nil {
		return
	}
	e.persist.MessageAppended(threadID, th.Title, m)
}

// maybeTitle names a thread that still carries the default title after its
// first completed reply.
func (e *Engine) maybeTitle(ws *workspace.Workspace, th models.Thread, turns []models.Turn) {
	if th.Title != workspace.DefaultTitle || countReplies(th) != 1 {
		return
	}
	last, _ := th.Last()
	exchange := []models.Turn{
		{Role: models.RoleUser, Content: lastUser(turns)},
		{Role: models.RoleAssistant, Content: last.Content},
	}

	if !e.track() {
		return
	}
	go func() {
		defer e.wg.Done()
		title := ""
		if e.titler != nil {
			ctx, cancel := context.WithTimeout(e.base, titleTimeout)
			defer cancel()
			t, err := e.titler.Title(ctx, exchange)
			if err != nil {
				e.logger.Warn("Failed to generate title", zap.Error(err), zap.String("thread_id", th.ID))
			}
			title = t
		}
		if title == "" {
			title = localTitle(exchange[0].Content)
		}
		if title == "" {
			return
		}
		if err := ws.Tree.SetTitle(th.ID, title); err != nil {
			e.logger.Debug("Thread gone before titling", zap.Error(err), zap.String("thread_id", th.ID))
		}
	}()
}

func countReplies(th models.Thread) int {
	n := 0
	for _, m := range th.Messages {
		if m.Role == models.RoleAssistant && !m.IsWelcome() {
			n++
		}
	}
	return n
}

func lastUser(turns []models.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == models.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
