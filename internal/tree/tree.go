// Package tree holds the branching conversation structure of one workspace.
//
// A Tree owns every Thread and Message it contains. Callers only ever see deep
// copies; all mutation goes through the Tree's methods, which are synchronous
// and never block on I/O.
package tree

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/qing1huan/DeepThink/internal/models"
)

var (
	// ErrNotFound is returned when a referenced thread or message is absent.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation would break an ordering
	// invariant, e.g. mutating a message that is not the streaming tail.
	ErrInvalidState = errors.New("invalid state")
	// ErrCorruption is returned when the ancestor chain cannot be resolved.
	ErrCorruption = errors.New("corrupted ancestor chain")
)

// MaxDepth bounds the ancestor walk.
const MaxDepth = 256

// Link is one ancestor in a chain: the thread and the last message of it
// that the next thread down the chain inherits.
type Link struct {
	ThreadID        string `json:"threadId"`
	CutoffMessageID string `json:"cutoffMessageId"`
}

// Partial carries the fields of a streaming message to overwrite. Nil fields
// are left untouched.
type Partial struct {
	Content   *string
	Reasoning *string
}

type entry struct {
	thread models.Thread
	// lineage is the resolved ancestor chain. Parent links never change after
	// creation, so once computed it stays valid for the entry's lifetime.
	lineage []Link
}

// Tree is the set of threads of one workspace plus the active thread id.
type Tree struct {
	mu       sync.RWMutex
	threads  map[string]*entry
	children map[string][]string
	messages map[string]string
	active   string
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		threads:  make(map[string]*entry),
		children: make(map[string][]string),
		messages: make(map[string]string),
	}
}

// CreateRoot adds a root thread seeded with one welcome message. The first
// root of an empty tree becomes active.
func (t *Tree) CreateRoot(title, welcome string) models.Thread {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	th := models.Thread{
		ID:        shortuuid.New(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if welcome != "" {
		m := models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   welcome,
			Kind:      models.KindWelcome,
			Final:     true,
			CreatedAt: now,
		}
		th.Messages = append(th.Messages, m)
		t.messages[m.ID] = th.ID
	}
	t.threads[th.ID] = &entry{thread: th, lineage: []Link{}}
	if t.active == "" {
		t.active = th.ID
	}
	return th.Clone()
}

// CreateFork adds a thread branching off sourceID at forkMessageID. An empty
// forkMessageID forks at the source's current last message.
func (t *Tree) CreateFork(sourceID, forkMessageID, title string) (models.Thread, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	src, ok := t.threads[sourceID]
	if !ok {
		return models.Thread{}, errors.Wrapf(ErrNotFound, "thread %s", sourceID)
	}
	if forkMessageID == "" {
		last, ok := src.thread.Last()
		if !ok {
			return models.Thread{}, errors.Wrapf(ErrInvalidState, "thread %s has no messages to fork from", sourceID)
		}
		forkMessageID = last.ID
	} else if indexOf(src.thread.Messages, forkMessageID) < 0 {
		return models.Thread{}, errors.Wrapf(ErrNotFound, "message %s in thread %s", forkMessageID, sourceID)
	}
	if title == "" {
		title = src.thread.Title
	}

	now := time.Now()
	th := models.Thread{
		ID:             shortuuid.New(),
		Title:          title,
		ParentThreadID: sourceID,
		ForkMessageID:  forkMessageID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.threads[th.ID] = &entry{thread: th}
	t.children[sourceID] = append(t.children[sourceID], th.ID)
	return th.Clone(), nil
}

// AppendMessage adds m at the tail of the thread. The current tail must be
// finalized. Empty ID and CreatedAt are filled in.
func (t *Tree) AppendMessage(threadID string, m models.Message) (models.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.threads[threadID]
	if !ok {
		return models.Message{}, errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	if !m.Role.Valid() {
		return models.Message{}, errors.Wrapf(ErrInvalidState, "unknown role %q", m.Role)
	}
	if last, ok := e.thread.Last(); ok && !last.Final {
		return models.Message{}, errors.Wrapf(ErrInvalidState, "thread %s: message %s is still streaming", threadID, last.ID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, dup := t.messages[m.ID]; dup {
		return models.Message{}, errors.Wrapf(ErrInvalidState, "duplicate message id %s", m.ID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m = m.Clone()
	e.thread.Messages = append(e.thread.Messages, m)
	e.thread.UpdatedAt = m.CreatedAt
	t.messages[m.ID] = threadID
	return m.Clone(), nil
}

// MutateLastMessage overwrites fields of the thread's streaming tail.
func (t *Tree) MutateLastMessage(threadID, messageID string, p Partial) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.streamingTail(threadID, messageID)
	if err != nil {
		return err
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Reasoning != nil {
		m.Reasoning = models.StringPtr(*p.Reasoning)
	}
	return nil
}

// FinalizeMessage freezes the thread's streaming tail.
func (t *Tree) FinalizeMessage(threadID, messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.streamingTail(threadID, messageID)
	if err != nil {
		return err
	}
	m.Final = true
	t.threads[threadID].thread.UpdatedAt = time.Now()
	return nil
}

func (t *Tree) streamingTail(threadID, messageID string) (*models.Message, error) {
	e, ok := t.threads[threadID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	n := len(e.thread.Messages)
	if n == 0 || e.thread.Messages[n-1].ID != messageID {
		return nil, errors.Wrapf(ErrInvalidState, "message %s is not the last message of thread %s", messageID, threadID)
	}
	m := &e.thread.Messages[n-1]
	if m.Final {
		return nil, errors.Wrapf(ErrInvalidState, "message %s is already finalized", messageID)
	}
	return m, nil
}

// DeleteSubtree removes the thread and every descendant and returns the
// removed ids, the requested thread first. The last remaining root cannot be
// deleted.
func (t *Tree) DeleteSubtree(threadID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.threads[threadID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	parentID := e.thread.ParentThreadID
	if parentID == "" && t.rootCountLocked() == 1 {
		return nil, errors.Wrapf(ErrInvalidState, "thread %s is the last root thread", threadID)
	}

	removed := []string{threadID}
	seen := map[string]bool{threadID: true}
	for i := 0; i < len(removed); i++ {
		for _, c := range t.children[removed[i]] {
			if !seen[c] {
				seen[c] = true
				removed = append(removed, c)
			}
		}
	}
	for _, id := range removed {
		if d, ok := t.threads[id]; ok {
			for _, m := range d.thread.Messages {
				delete(t.messages, m.ID)
			}
		}
		delete(t.threads, id)
		delete(t.children, id)
	}
	if parentID != "" {
		kids := t.children[parentID][:0]
		for _, c := range t.children[parentID] {
			if c != threadID {
				kids = append(kids, c)
			}
		}
		t.children[parentID] = kids
	}
	if seen[t.active] {
		t.active = parentID
		if t.active == "" {
			t.active = t.firstRootLocked()
		}
	}
	return removed, nil
}

// AncestorChain returns the ancestors of threadID in root-to-parent order,
// each with the cutoff message its descendant on this path forked at.
func (t *Tree) AncestorChain(threadID string) ([]Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chain, err := t.chainLocked(threadID)
	if err != nil {
		return nil, err
	}
	return append([]Link(nil), chain...), nil
}

func (t *Tree) chainLocked(threadID string) ([]Link, error) {
	e, ok := t.threads[threadID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	if e.lineage != nil {
		return e.lineage, nil
	}

	var (
		rev     []Link
		prefix  []Link
		visited = map[string]bool{threadID: true}
		cur     = e.thread
	)
	for cur.ParentThreadID != "" {
		if len(rev) >= MaxDepth {
			return nil, errors.Wrapf(ErrCorruption, "thread %s: ancestor chain deeper than %d", threadID, MaxDepth)
		}
		pid := cur.ParentThreadID
		if visited[pid] {
			return nil, errors.Wrapf(ErrCorruption, "thread %s: cycle through %s", threadID, pid)
		}
		visited[pid] = true
		p, ok := t.threads[pid]
		if !ok {
			return nil, errors.Wrapf(ErrCorruption, "thread %s: parent %s does not exist", cur.ID, pid)
		}
		rev = append(rev, Link{ThreadID: pid, CutoffMessageID: cur.ForkMessageID})
		if p.lineage != nil {
			prefix = p.lineage
			break
		}
		cur = p.thread
	}
	if len(prefix)+len(rev) > MaxDepth {
		return nil, errors.Wrapf(ErrCorruption, "thread %s: ancestor chain deeper than %d", threadID, MaxDepth)
	}

	chain := make([]Link, 0, len(prefix)+len(rev))
	chain = append(chain, prefix...)
	for i := len(rev) - 1; i >= 0; i-- {
		chain = append(chain, rev[i])
	}
	e.lineage = chain
	return chain, nil
}

// Get returns a copy of the thread.
func (t *Tree) Get(threadID string) (models.Thread, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.threads[threadID]
	if !ok {
		return models.Thread{}, errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	return e.thread.Clone(), nil
}

// List returns copies of all threads ordered by creation time.
func (t *Tree) List() []models.Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.Thread, 0, len(t.threads))
	for _, e := range t.threads {
		out = append(out, e.thread.Clone())
	}
	sortThreads(out)
	return out
}

// Children returns the ids of the direct forks of threadID in creation order.
func (t *Tree) Children(threadID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.children[threadID]...)
}

// FindMessage returns the id of the thread holding messageID.
func (t *Tree) FindMessage(messageID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.messages[messageID]
	return id, ok
}

// Len returns the number of threads.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.threads)
}

// SetActive marks threadID as the active thread.
func (t *Tree) SetActive(threadID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.threads[threadID]; !ok {
		return errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	t.active = threadID
	return nil
}

// Active returns the active thread id.
func (t *Tree) Active() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// SetTitle renames a thread.
func (t *Tree) SetTitle(threadID, title string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.threads[threadID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	e.thread.Title = title
	e.thread.UpdatedAt = time.Now()
	return nil
}

func (t *Tree) rootCountLocked() int {
	n := 0
	for _, e := range t.threads {
		if e.thread.IsRoot() {
			n++
		}
	}
	return n
}

func (t *Tree) firstRootLocked() string {
	var roots []models.Thread
	for _, e := range t.threads {
		if e.thread.IsRoot() {
			roots = append(roots, e.thread)
		}
	}
	if len(roots) == 0 {
		return ""
	}
	sortThreads(roots)
	return roots[0].ID
}

func sortThreads(ts []models.Thread) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func indexOf(msgs []models.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}
