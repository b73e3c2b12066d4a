// Package snapshot saves and restores every workspace as a single JSON file.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/tree"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

const Version = 1

var ErrVersion = errors.New("unsupported snapshot version")

type File struct {
	Version    int         `json:"version"`
	SavedAt    time.Time   `json:"savedAt"`
	Workspaces []Workspace `json:"workspaces"`
}

type Workspace struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CreatedAt      time.Time       `json:"createdAt"`
	ActiveThreadID string          `json:"activeThreadId"`
	Threads        []models.Thread `json:"threads"`
}

// Capture copies the current state of every workspace.
func Capture(m *workspace.Manager) File {
	f := File{Version: Version, SavedAt: time.Now()}
	for _, ws := range m.List() {
		threads, active := ws.Tree.Export()
		f.Workspaces = append(f.Workspaces, Workspace{
			ID:             ws.ID,
			Name:           ws.Name,
			CreatedAt:      ws.CreatedAt,
			ActiveThreadID: active,
			Threads:        threads,
		})
	}
	return f
}

// Save writes f to path through a temporary file in the same directory, so a
// reader never sees a partial snapshot.
func Save(path string, f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create snapshot directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close snapshot")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "replace snapshot")
}

// Load reads a snapshot. A missing file yields os.ErrNotExist.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, errors.Wrap(err, "decode snapshot")
	}
	if f.Version != Version {
		return File{}, errors.Wrapf(ErrVersion, "got %d, want %d", f.Version, Version)
	}
	return f, nil
}

// Report describes what Apply did with each workspace.
type Report struct {
	Restored []string
	Replaced map[string]error
}

// Apply rebuilds the snapshot's workspaces into m. A workspace that fails
// validation is replaced by a fresh one with the same identity.
func Apply(f File, m *workspace.Manager, logger *zap.Logger) Report {
	rep := Report{Replaced: make(map[string]error)}
	for _, sw := range f.Workspaces {
		if sw.ID == "" {
			logger.Warn("Skipping snapshot workspace without id", zap.String("name", sw.Name))
			continue
		}
		t, err := tree.Restore(sw.Threads, sw.ActiveThreadID)
		if err != nil {
			logger.Warn("Snapshot workspace invalid, starting fresh",
				zap.Error(err),
				zap.String("workspace_id", sw.ID))
			rep.Replaced[sw.ID] = err
			m.Adopt(m.Fresh(sw.ID, sw.Name, sw.CreatedAt))
			continue
		}
		m.Adopt(&workspace.Workspace{ID: sw.ID, Name: sw.Name, CreatedAt: sw.CreatedAt, Tree: t})
		rep.Restored = append(rep.Restored, sw.ID)
	}
	return rep
}

// Restore loads path into m. Any failure to read the file leaves m with a
// fresh default workspace; the error is returned for logging.
func Restore(path string, m *workspace.Manager, logger *zap.Logger) (Report, error) {
	f, err := Load(path)
	if err != nil {
		m.Default()
		if errors.Is(err, os.ErrNotExist) {
			return Report{}, nil
		}
		logger.Warn("Failed to load snapshot, starting fresh", zap.Error(err), zap.String("path", path))
		return Report{}, err
	}
	rep := Apply(f, m, logger)
	m.Default()
	logger.Info("Snapshot restored",
		zap.String("path", path),
		zap.Int("restored", len(rep.Restored)),
		zap.Int("replaced", len(rep.Replaced)))
	return rep, nil
}
