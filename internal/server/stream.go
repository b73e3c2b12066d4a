package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/metrics"
	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/stream"
)

// textStream writes delimited text to the client, sending headers on the
// first chunk and flushing after each one.
type textStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	headers map[string]string
}

func newTextStream(w http.ResponseWriter, headers map[string]string) *textStream {
	f, _ := w.(http.Flusher)
	return &textStream{w: w, flusher: f, headers: headers}
}

func (t *textStream) start() {
	if t.started {
		return
	}
	t.started = true
	h := t.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	for k, v := range t.headers {
		h.Set(k, v)
	}
	t.w.WriteHeader(http.StatusOK)
}

func (t *textStream) write(text string) error {
	t.start()
	if _, err := io.WriteString(t.w, text); err != nil {
		return err
	}
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return nil
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, r, errNoContent)
		return
	}

	id := mux.Vars(r)["id"]
	out := newTextStream(w, map[string]string{"X-Thread-Id": id})
	res, err := s.engine.Send(r.Context(), ws, id, req.Content, out.write)
	if err != nil {
		if !out.started {
			s.writeError(w, r, err)
			return
		}
		s.logger.Error("Stream ended with error", zap.Error(err), zap.String("thread_id", id))
		return
	}
	// An empty reply still answers with a body-less 200.
	out.start()
	s.logger.Debug("Reply streamed",
		zap.String("thread_id", id),
		zap.String("message_id", res.Message.ID),
		zap.String("outcome", string(res.Outcome)))
}

type transformRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// transform proxies a stateless conversation and returns the delimited
// stream without touching any tree.
func (s *Server) transform(w http.ResponseWriter, r *http.Request) {
	var req transformRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, r, errors.Wrap(errBadRequest, "messages are required"))
		return
	}
	turns := make([]models.Turn, 0, len(req.Messages))
	for i, m := range req.Messages {
		role := models.Role(m.Role)
		if !role.Valid() {
			s.writeError(w, r, errors.Wrapf(errBadRequest, "message %d: unknown role %q", i, m.Role))
			return
		}
		turns = append(turns, models.Turn{Role: role, Content: m.Content})
	}

	finish := metrics.StreamStarted("proxy")
	body, err := s.proxy.Stream(r.Context(), req.Model, turns)
	if err != nil {
		if r.Context().Err() != nil {
			finish(metrics.OutcomeCancelled)
			return
		}
		metrics.UpstreamFailure("open")
		finish(metrics.OutcomeError)
		s.writeError(w, r, err)
		return
	}
	out := newTextStream(w, nil)
	err = stream.Pump(r.Context(), body, out.write)
	switch {
	case err == nil:
		finish(metrics.OutcomeCompleted)
	case r.Context().Err() != nil:
		finish(metrics.OutcomeCancelled)
	default:
		metrics.UpstreamFailure("read")
		finish(metrics.OutcomeError)
		s.logger.Warn("Transform stream failed", zap.Error(err))
	}
	out.start()
}
