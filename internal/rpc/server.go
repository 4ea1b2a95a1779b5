// Package rpc exposes the relayer's state over a read-only HTTP JSON API
// plus a WebSocket event stream. It never mutates sessions; swap intake
// happens through the relayer package directly.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/relayer"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

const defaultListLimit = 100

// Server serves swap session status over HTTP.
type Server struct {
	store        *storage.Storage
	orchestrator *relayer.Orchestrator
	log          *logging.Logger
	wsHub        *WSHub

	server   *http.Server
	listener net.Listener
}

// NewServer creates a status server over the given store and orchestrator.
func NewServer(store *storage.Storage, orch *relayer.Orchestrator) *Server {
	return &Server{
		store:        store,
		orchestrator: orch,
		log:          logging.GetDefault().Component("rpc"),
	}
}

// Start begins serving on addr. Orchestrator events are forwarded to
// WebSocket subscribers from here on.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub = NewWSHub()
	go s.wsHub.Run()

	if s.orchestrator != nil {
		s.orchestrator.OnEvent(func(ev relayer.Event) {
			s.wsHub.Broadcast(EventType(ev.Type), ev)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/swaps", s.handleListSwaps)
	mux.HandleFunc("GET /v1/swaps/{id}", s.handleGetSwap)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// StatusInfo is the /v1/status payload.
type StatusInfo struct {
	ActiveSwaps   int   `json:"active_swaps"`
	FinishedSwaps int   `json:"finished_swaps"`
	WSClients     int   `json:"ws_clients"`
	Time          int64 `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, finished, err := s.store.SessionCount()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, StatusInfo{
		ActiveSwaps:   active,
		FinishedSwaps: finished,
		WSClients:     s.wsHub.ClientCount(),
		Time:          time.Now().Unix(),
	})
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListSessions(defaultListLimit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]*SessionView, 0, len(records))
	for _, rec := range records {
		views = append(views, sessionView(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"swaps": views})
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "swap not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sessionView(rec))
}

// SessionView is the external, preimage-free projection of a session.
// The preimage is deliberately omitted: until the swap completes it is
// the one secret whose leak breaks atomicity.
type SessionView struct {
	SwapID    string         `json:"swap_id"`
	Direction string         `json:"direction"`
	Status    storage.Status `json:"status"`
	Hashlock  string         `json:"hashlock"`

	SrcContractID string `json:"src_contract_id,omitempty"`
	DstContractID string `json:"dst_contract_id,omitempty"`

	SrcCancellation int64 `json:"src_cancellation,omitempty"`
	DstCancellation int64 `json:"dst_cancellation,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func sessionView(rec *storage.SessionRecord) *SessionView {
	v := &SessionView{
		SwapID:          rec.SwapID,
		Direction:       rec.Direction,
		Status:          rec.Status,
		Hashlock:        rec.Hashlock,
		SrcContractID:   rec.SrcContractID,
		DstContractID:   rec.DstContractID,
		SrcCancellation: rec.SrcCancellation,
		DstCancellation: rec.DstCancellation,
		FailureReason:   rec.FailureReason,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if !rec.CompletedAt.IsZero() {
		t := rec.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
