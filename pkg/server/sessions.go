// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
)

// sessionBuffer is the per-session outbound queue depth. A client that
// stops reading loses messages past this point rather than blocking the
// engine.
const sessionBuffer = 64

type session struct {
	id   string
	out  chan *protocol.Message
	done chan struct{}
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) create() *session {
	sess := &session{
		id:   uuid.NewString(),
		out:  make(chan *protocol.Message, sessionBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *sessionStore) remove(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if ok {
		close(sess.done)
	}
}

func (s *sessionStore) send(id string, msg *protocol.Message) error {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}

	select {
	case sess.out <- msg:
		return nil
	default:
		logger.Warnf("Dropping message for slow client session %s", id)
		return nil
	}
}

func (s *sessionStore) broadcast(msg *protocol.Message) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		_ = s.send(id, msg)
	}
}

func (s *sessionStore) closeAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		close(sess.done)
	}
}
