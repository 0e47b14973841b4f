package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/joelkehle/feedback-intake/internal/intake"
)

// ResponseProcessingError is the generic reply for anything unhandled at the
// endpoint boundary. Diagnostic detail stays in the logs.
const ResponseProcessingError = "An error occurred processing your request"

// ChatPipeline is the slice of the intake pipeline the HTTP layer needs.
type ChatPipeline interface {
	Run(ctx context.Context, message string) intake.ChatResponse
}

type Server struct {
	pipeline ChatPipeline
	origins  map[string]struct{}
}

// NewServer wires the chat endpoint and health check. The allowed origins
// list drives the CORS policy; an empty list disables cross-origin access.
func NewServer(pipeline ChatPipeline, origins []string) http.Handler {
	allowset := map[string]struct{}{}
	for _, raw := range origins {
		v := strings.TrimSpace(raw)
		if v != "" {
			allowset[v] = struct{}{}
		}
	}

	s := &Server{pipeline: pipeline, origins: allowset}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/chat/", s.handleChat)
	mux.HandleFunc("/healthz", s.handleHealth)
	return s.withCORS(s.withRecovery(mux))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withRecovery is the outermost boundary: a panicking request becomes the
// generic error response and the process keeps serving.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("httpapi: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, intake.ChatResponse{Response: ResponseProcessingError})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := s.origins[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	blob, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("httpapi: read body: %v", err)
		writeJSON(w, http.StatusBadRequest, intake.ChatResponse{Response: ResponseProcessingError})
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		log.Printf("httpapi: decode body: %v", err)
		writeJSON(w, http.StatusBadRequest, intake.ChatResponse{Response: ResponseProcessingError})
		return
	}

	resp := s.pipeline.Run(r.Context(), req.Message)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
