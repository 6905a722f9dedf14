package server

import "sync"

// Hub links the sessions of every Server in a process so broadcasts reach
// all of them. Servers that are not given a Hub get a private one.
type Hub struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[*session]struct{})}
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// peers returns every session except from. With sameServer set only
// sessions of from's server are included.
func (h *Hub) peers(from *session, sameServer bool) []*session {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*session
	for s := range h.sessions {
		if s == from || (sameServer && s.srv != from.srv) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
