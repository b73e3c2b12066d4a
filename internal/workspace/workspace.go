// Package workspace owns the independent conversation trees a process serves.
package workspace

import (
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/tree"
)

const (
	DefaultName  = "Default"
	DefaultTitle = "New chat"
)

// Workspace is one conversation tree with its identity. Every operation on
// threads receives the workspace it acts on.
type Workspace struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Tree      *tree.Tree
}

type Manager struct {
	mu      sync.RWMutex
	spaces  map[string]*Workspace
	welcome string
	logger  *zap.Logger
}

// NewManager returns an empty manager. welcome is the greeting placed in the
// root thread of every new workspace; empty means none.
func NewManager(welcome string, logger *zap.Logger) *Manager {
	return &Manager{
		spaces:  make(map[string]*Workspace),
		welcome: welcome,
		logger:  logger,
	}
}

// Create starts a workspace with one root thread.
func (m *Manager) Create(name string) *Workspace {
	if name == "" {
		name = DefaultName
	}
	t := tree.New()
	t.CreateRoot(DefaultTitle, m.welcome)
	ws := &Workspace{
		ID:        shortuuid.New(),
		Name:      name,
		CreatedAt: time.Now(),
		Tree:      t,
	}

	m.mu.Lock()
	m.spaces[ws.ID] = ws
	m.mu.Unlock()

	m.logger.Info("Workspace created", zap.String("workspace_id", ws.ID), zap.String("name", name))
	return ws
}

// Adopt registers a workspace rebuilt elsewhere, replacing any with the same
// id.
func (m *Manager) Adopt(ws *Workspace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[ws.ID] = ws
}

// Fresh builds an unregistered workspace with a single root thread, keeping
// the given identity.
func (m *Manager) Fresh(id, name string, createdAt time.Time) *Workspace {
	t := tree.New()
	t.CreateRoot(DefaultTitle, m.welcome)
	return &Workspace{ID: id, Name: name, CreatedAt: createdAt, Tree: t}
}

func (m *Manager) Get(id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.spaces[id]
	if !ok {
		return nil, errors.Wrapf(tree.ErrNotFound, "workspace %s", id)
	}
	return ws, nil
}

// List returns workspaces oldest first.
func (m *Manager) List() []*Workspace {
	m.mu.RLock()
	out := make([]*Workspace, 0, len(m.spaces))
	for _, ws := range m.spaces {
		out = append(out, ws)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Default returns the oldest workspace, creating one if none exist.
func (m *Manager) Default() *Workspace {
	if list := m.List(); len(list) > 0 {
		return list[0]
	}
	return m.Create(DefaultName)
}

// Delete tears a workspace down and returns it so callers can release
// resources bound to it.
func (m *Manager) Delete(id string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.spaces[id]
	if !ok {
		return nil, errors.Wrapf(tree.ErrNotFound, "workspace %s", id)
	}
	delete(m.spaces, id)
	m.logger.Info("Workspace deleted", zap.String("workspace_id", id))
	return ws, nil
}
