package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ytget/ytdl-web/internal/compress"
	"github.com/ytget/ytdl-web/internal/model"
)

type addRequest struct {
	URL      string `json:"url"`
	ClientID string `json:"client_id"`
}

type convertRequest struct {
	Path     string `json:"path"`
	ClientID string `json:"client_id"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks := s.opts.Tasks.List()
	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Type) == typ {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleGet returns the tracked task, or its last snapshot once the registry
// has evicted it
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.opts.Tasks.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, task)
		return
	}
	if !errors.Is(err, model.ErrTaskNotFound) || s.opts.History == nil {
		writeError(w, err)
		return
	}
	snap, herr := s.opts.History.Get(r.Context(), id)
	if herr != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleHistory lists the stored snapshots, live and archived, newest first
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, []model.TaskSnapshot{})
		return
	}
	list, err := s.opts.History.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.TaskSnapshot{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body addRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u, err := url.Parse(strings.TrimSpace(body.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "Invalid URL", http.StatusBadRequest)
		return
	}

	task, err := s.opts.Downloads.AddTask(u.String(), clientMeta(body.ClientID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if s.opts.Conversions == nil {
		http.Error(w, "conversions are disabled", http.StatusNotImplemented)
		return
	}
	var body convertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	task, err := s.opts.Conversions.StartCompression(body.Path, clientMeta(body.ClientID))
	if err != nil {
		if errors.Is(err, compress.ErrInputMissing) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.opts.Tasks.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Type == model.TaskTypeConversion && s.opts.Conversions != nil {
		err = s.opts.Conversions.StopCompression(id)
	} else {
		err = s.opts.Downloads.StopTask(id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	task, err = s.opts.Tasks.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Downloads.RemoveTask(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.opts.Health.Status()
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func clientMeta(clientID string) map[string]string {
	if clientID == "" {
		return nil
	}
	return map[string]string{model.MetaClientID: clientID}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrTaskNotFound), errors.Is(err, model.ErrClientNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateTask), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}
