package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/kernel"
	"github.com/michaelbrown/kernelbox/internal/kernelerr"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a {"detail": msg} body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Auth ---

// requireToken rejects requests whose Authorization header does not carry
// the configured bearer token, as the raw token or "Bearer <token>".
func (s *Server) requireToken(next http.Handler) http.Handler {
	token := s.cfg.Auth.BearerToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			writeError(w, http.StatusUnauthorized, "Invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Kernel handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.GetStatusResponse{
		MessageType:  protocol.TypeKernelStatus,
		KernelStatus: s.manager.Status(r.Context()),
		Version:      s.cfg.Server.Version,
	})
}

func (s *Server) handleResetKernel(w http.ResponseWriter, r *http.Request) {
	// A restart runs to completion even if the caller goes away.
	err := s.manager.Restart(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, struct{}{})
	case errors.Is(err, kernel.ErrKernelStarting), errors.Is(err, kernel.ErrRestartInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "kernel restart failed: "+err.Error())
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.Execute(r.Context(), req.Code))
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Interrupt(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, kernelerr.Attribute(err)+": "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, "success")
}

func (s *Server) handlePullMessage(w http.ResponseWriter, r *http.Request) {
	var req protocol.PullMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp, err := s.relay.Pull(r.Context(), req.Duration())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Tool handlers ---

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req protocol.CallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	err := s.tools.RecordCallback(callbacks.Record{Name: req.Name, Args: req.Args, Kwargs: req.Kwargs})
	if errors.Is(err, callbacks.ErrNotAllowed) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleLogException(w http.ResponseWriter, r *http.Request) {
	var req protocol.LogExceptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.tools.LogException(r.Context(), s.kernelID(), req)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMatplotlibFallback(w http.ResponseWriter, r *http.Request) {
	var req protocol.LogMatplotlibFallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.tools.LogMatplotlibFallback(r.Context(), s.kernelID(), req)
	w.WriteHeader(http.StatusNoContent)
}

// kernelID is the current session's id, or "" before the first one exists.
func (s *Server) kernelID() string {
	if cur := s.manager.Current(); cur != nil {
		return cur.ID()
	}
	return ""
}
