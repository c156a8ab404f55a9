package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/ctxsync/ctxsyncd/internal/service"
	"github.com/ctxsync/ctxsyncd/internal/store"
)

// putRequest is the body of PUT /v1/projects/{project}/context.
type putRequest struct {
	Elements []store.ElementInput `json:"elements"`
}

// putResponse carries the newly committed version.
type putResponse struct {
	ProjectID string `json:"project_id"`
	Version   int64  `json:"version"`
}

// errorResponse is the JSON body for every error status.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	version, err := s.svc.Put(project, req.Elements)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, putResponse{ProjectID: project, Version: version})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	opts := service.GetOptions{}
	var err error
	if opts.SinceVersion, err = queryInt64(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxTokens, err := queryInt64(r, "max_tokens")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.MaxTokens = int(maxTokens)
	opts.Compress = r.URL.Query().Get("compress") == "true"

	result, err := s.svc.Get(project, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	since, err := queryInt64(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if since <= 0 {
		writeError(w, http.StatusBadRequest, "since must be a positive version")
		return
	}

	resp, err := s.svc.Diff(project, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubscribe upgrades to WebSocket and streams {version, diff} events
// until the client disconnects, the server stops, or the subscriber falls
// behind and is cut.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	sub, err := s.svc.Subscribe(project)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.svc.Unsubscribe(sub.ID())
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer s.svc.Unsubscribe(sub.ID())

	s.config.Logger.Printf("Subscriber %s connected to %s at v%d",
		sub.ID(), project, sub.LastAckedVersion())

	// Detect client disconnects; we never process inbound messages.
	readCtx, readDone := context.WithCancel(s.ctx)
	defer readDone()
	go func() {
		defer readDone()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readCtx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Err() != nil {
					s.config.Logger.Printf("Subscriber %s cut: resync required", sub.ID())
					_ = conn.Close(websocket.StatusGoingAway, "resync required")
				} else {
					_ = conn.Close(websocket.StatusNormalClosure, "")
				}
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.config.Logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			writeCtx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.config.Logger.Printf("Subscriber %s write failed: %v", sub.ID(), err)
				return
			}
		}
	}
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, store.ErrCapacityExceeded):
		w.Header().Set("Retry-After", strconv.Itoa(int((30 * time.Second).Seconds())))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, store.ErrDuplicateKey):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}
