package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/televisit/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Client string
	Cancel context.CancelFunc
	// subscription id -> watched session
	Watching map[string]domain.SessionID
}

// Registry tracks live relay connections and the sessions they watch.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connEntry)}
}

func (r *Registry) Bind(connID, client string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &connEntry{
		Client:   client,
		Cancel:   cancel,
		Watching: make(map[string]domain.SessionID),
	}
	log.Info().Str("module", "app.registry").Str("conn", connID).Str("client", client).Msg("bound connection")
}

func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	log.Info().Str("module", "app.registry").Str("conn", connID).Msg("unbind connection")
}

func (r *Registry) Watch(connID, subID string, sid domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	e.Watching[subID] = sid
	return true
}

func (r *Registry) Unwatch(connID, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		delete(e.Watching, subID)
	}
}

// Watchers returns the distinct clients subscribed to sid, sorted.
func (r *Registry) Watchers(sid domain.SessionID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range r.conns {
		for _, w := range e.Watching {
			if w == sid {
				seen[e.Client] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Cancel closes a connection by id.
func (r *Registry) Cancel(connID string) bool {
	r.mu.RLock()
	e, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", connID).Msg("canceled connection")
	return true
}

// KickClient closes every connection opened with the given client token.
func (r *Registry) KickClient(client string) int {
	r.mu.RLock()
	var cancels []context.CancelFunc
	for _, e := range r.conns {
		if e.Client == client && e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}
