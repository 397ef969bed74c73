package app

import (
	"slices"
	"strings"

	"github.com/edgecam/edgecam/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry maps session ids to live sessions. It is not safe for concurrent
// use: only the orchestrator loop reads or mutates it.
type Registry struct {
	sessions map[domain.SessionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.SessionID]*Session)}
}

func (r *Registry) Get(sid domain.SessionID) (*Session, bool) {
	s, ok := r.sessions[sid]
	return s, ok
}

// Put registers s. The caller must remove any previous session with the same
// id first.
func (r *Registry) Put(s *Session) {
	r.sessions[s.ID] = s
	log.Info().Str("module", "app.registry").Str("sid", string(s.ID)).Int("active", len(r.sessions)).Msg("bound session")
}

func (r *Registry) Remove(sid domain.SessionID) (*Session, bool) {
	s, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("active", len(r.sessions)).Msg("unbind session")
	return s, true
}

func (r *Registry) Len() int { return len(r.sessions) }

func (r *Registry) IDs() []domain.SessionID {
	out := make([]domain.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		out = append(out, sid)
	}
	slices.SortFunc(out, func(a, b domain.SessionID) int { return strings.Compare(string(a), string(b)) })
	return out
}

func (r *Registry) Snapshot() []SessionInfo {
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, sid := range r.IDs() {
		out = append(out, r.sessions[sid].Info())
	}
	return out
}
