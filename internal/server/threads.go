package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/qing1huan/DeepThink/internal/assembler"
	"github.com/qing1huan/DeepThink/internal/branch"
	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

type workspaceView struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
	ActiveThreadID string    `json:"activeThreadId"`
	Threads        int       `json:"threads"`
}

type threadSummary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ParentThreadID string    `json:"parentThreadId,omitempty"`
	ForkMessageID  string    `json:"forkMessageId,omitempty"`
	Messages       int       `json:"messages"`
	Streaming      bool      `json:"streaming"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type threadView struct {
	models.Thread
	Streaming bool `json:"streaming"`
	Active    bool `json:"active"`
}

func viewWorkspace(ws *workspace.Workspace) workspaceView {
	return workspaceView{
		ID:             ws.ID,
		Name:           ws.Name,
		CreatedAt:      ws.CreatedAt,
		ActiveThreadID: ws.Tree.Active(),
		Threads:        ws.Tree.Len(),
	}
}

func (s *Server) viewThread(ws *workspace.Workspace, th models.Thread) threadView {
	return threadView{
		Thread:    th,
		Streaming: s.engine.Streaming(ws, th.ID),
		Active:    ws.Tree.Active() == th.ID,
	}
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	list := s.spaces.List()
	out := make([]workspaceView, 0, len(list))
	for _, ws := range list {
		out = append(out, viewWorkspace(ws))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": out})
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ws := s.spaces.Create(req.Name)
	writeJSON(w, http.StatusCreated, viewWorkspace(ws))
}

func (s *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.spaces.Delete(mux.Vars(r)["ws"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.engine.CancelWorkspace(ws)
	threads := ws.Tree.List()
	ids := make([]string, len(threads))
	for i, th := range threads {
		ids[i] = th.ID
	}
	s.engine.Persistence().ThreadsDeleted(ids)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active := ws.Tree.Active()
	threads := ws.Tree.List()
	out := make([]threadSummary, 0, len(threads))
	for _, th := range threads {
		out = append(out, threadSummary{
			ID:             th.ID,
			Title:          th.Title,
			ParentThreadID: th.ParentThreadID,
			ForkMessageID:  th.ForkMessageID,
			Messages:       len(th.Messages),
			Streaming:      s.engine.Streaming(ws, th.ID),
			Active:         th.ID == active,
			CreatedAt:      th.CreatedAt,
			UpdatedAt:      th.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out, "activeThreadId": active})
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		ThreadID string `json:"threadId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := ws.Tree.SetActive(req.ThreadID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"activeThreadId": req.ThreadID})
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	th, err := ws.Tree.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewThread(ws, th))
}

func (s *Server) getContext(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	turns, err := assembler.Thread(ws.Tree, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := ws.Tree.DeleteSubtree(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, id := range ids {
		s.engine.Cancel(ws, id)
	}
	s.engine.Persistence().ThreadsDeleted(ids)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": ids, "activeThreadId": ws.Tree.Active()})
}

func (s *Server) fork(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		MessageID string `json:"messageId"`
		Title     string `json:"title"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	th, err := ws.Tree.CreateFork(mux.Vars(r)["id"], req.MessageID, req.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.engine.Persistence().ThreadCreated(th.ID, th.Title)
	writeJSON(w, http.StatusCreated, s.viewThread(ws, th))
}

func (s *Server) createBranch(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		MessageID string `json:"messageId"`
		Action    string `json:"action"`
		Prompt    string `json:"prompt"`
		Excerpt   string `json:"excerpt"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	action, err := branch.ParseAction(req.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	th, err := s.creator.Create(r.Context(), ws, branch.Request{
		SourceThreadID:  mux.Vars(r)["id"],
		SourceMessageID: req.MessageID,
		Action:          action,
		CustomPrompt:    req.Prompt,
		Excerpt:         req.Excerpt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewThread(ws, th))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := ws.Tree.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.engine.Cancel(ws, id)})
}
