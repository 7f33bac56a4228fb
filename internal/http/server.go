// Package http serves the liveness endpoint and a small JSON API over the
// intake service: enqueue syncs, poll status, ask questions.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ynishimura/guildrag/internal/commands"
	"github.com/ynishimura/guildrag/internal/intake"
	. "github.com/ynishimura/guildrag/internal/logging"
)

// Server is the HTTP surface of guildrag.
type Server struct {
	srv      *http.Server
	intake   *intake.Service
	commands *commands.Handler
}

// New creates a Server listening on port.
func New(port int, svc *intake.Service, cmds *commands.Handler) *Server {
	s := &Server{intake: svc, commands: cmds}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/sync/", s.handleSyncStatus)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/", s.handleRoot)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		L_info("http: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("http: server stopped", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		L_warn("http: shutdown", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "guildrag is running")
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		GuildID     string   `json:"guildId"`
		Scope       string   `json:"scope"`
		TargetIDs   []string `json:"targetIds"`
		RequestedBy string   `json:"requestedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	receipt, err := s.intake.StartSync(r.Context(), intake.SyncRequest{
		GuildID:     req.GuildID,
		Scope:       req.Scope,
		TargetIDs:   req.TargetIDs,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	opID := strings.TrimPrefix(r.URL.Path, "/api/sync/")
	op, err := s.intake.Status(r.Context(), opID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if op == nil {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"opId":     op.ID,
		"status":   op.Status,
		"progress": op.Progress,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		GuildID  string `json:"guildId"`
		UserID   string `json:"userId"`
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	answer, err := s.intake.Chat(r.Context(), req.GuildID, req.UserID, req.Question)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		GuildID string `json:"guildId"`
		UserID  string `json:"userId"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	reply := s.commands.Handle(r.Context(), req.GuildID, req.UserID, req.Text)
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_warn("http: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
