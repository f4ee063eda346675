// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the aggregated MCP server over HTTP: clients
// open an SSE stream for server-to-client traffic and POST JSON-RPC
// messages on a per-session endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
)

const (
	ssePath      = "/sse"
	messagesPath = "/messages"
	healthPath   = "/health"

	// maxRequestSize bounds a single client POST body.
	maxRequestSize = 10 * 1024 * 1024 // 10 MB

	shutdownTimeout = 10 * time.Second
)

// MessageHandler processes one client message and returns the response,
// or nil when none is due.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *protocol.Message) *protocol.Message
}

// Server is the client-facing HTTP listener.
type Server struct {
	handler  MessageHandler
	httpSrv  *http.Server
	sessions *sessionStore
}

// New creates a server listening on host:port.
func New(host string, port int, handler MessageHandler) *Server {
	s := &Server{
		handler:  handler,
		sessions: newSessionStore(),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get(ssePath, s.handleSSE)
	router.Post(messagesPath, s.handleMessages)
	router.Get(healthPath, s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	logger.Infof("Listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and closes every client session.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.sessions.closeAll()
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// SendToClient pushes one server-originated message to a session.
func (s *Server) SendToClient(sessionID string, msg *protocol.Message) error {
	return s.sessions.send(sessionID, msg)
}

// Broadcast pushes a message to every connected session.
func (s *Server) Broadcast(msg *protocol.Message) {
	s.sessions.broadcast(msg)
}

// handleSSE establishes a client session and streams messages to it. The
// first event names the endpoint the client must POST to.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := s.sessions.create()
	defer s.sessions.remove(sess.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: %s?session_id=%s\n\n", messagesPath, sess.id)
	flusher.Flush()
	logger.Infof("Client session %s connected", sess.id)

	for {
		select {
		case msg := <-sess.out:
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Errorf("Failed to marshal outbound message for session %s: %v", sess.id, err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		case <-sess.done:
			return
		case <-r.Context().Done():
			logger.Infof("Client session %s disconnected", sess.id)
			return
		}
	}
}

// handleMessages accepts one JSON-RPC message for an established session.
// Responses travel back over the session's SSE stream; the POST itself
// only acknowledges receipt.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" || !s.sessions.exists(sessionID) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		s.reply(w, sessionID, protocol.NewErrorResponse(nil, protocol.CodeParseError, "parse error", nil))
		return
	}

	resp := s.handler.HandleMessage(r.Context(), &msg)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.reply(w, sessionID, resp)
}

// reply delivers a response over the session stream, acknowledging the
// POST with 202. A session that vanished mid-request gets a 404.
func (s *Server) reply(w http.ResponseWriter, sessionID string, resp *protocol.Message) {
	if err := s.sessions.send(sessionID, resp); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
