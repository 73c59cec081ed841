package ssemux

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Mux manages event sources for multiple subagent servers and aggregates
// their sessions. Sources can be added and removed at runtime, e.g. when a
// project gains its own builder instance.
type Mux struct {
	bc Broadcaster

	mu      sync.Mutex
	sources map[string]*Source
	running bool
}

// NewMux creates an empty source aggregator. bc may be nil.
func NewMux(bc Broadcaster) *Mux {
	return &Mux{bc: bc, sources: make(map[string]*Source)}
}

// AddSource registers a source under name, replacing (and stopping) any
// existing source with that name. When start is true the source begins
// streaming immediately.
func (m *Mux) AddSource(ctx context.Context, name, baseURL string, start bool) *Source {
	m.mu.Lock()
	if old, ok := m.sources[name]; ok {
		m.mu.Unlock()
		slog.Warn("replacing existing event source", "name", name)
		old.Stop()
		m.mu.Lock()
	}
	src := NewSource(name, baseURL, m.bc)
	m.sources[name] = src
	m.mu.Unlock()

	if start {
		src.Start(ctx)
	}
	slog.Info("added event source", "name", name, "url", baseURL)
	return src
}

// RemoveSource stops and forgets the named source.
func (m *Mux) RemoveSource(name string) {
	m.mu.Lock()
	src, ok := m.sources[name]
	if ok {
		delete(m.sources, name)
	}
	m.mu.Unlock()
	if ok {
		src.Stop()
		slog.Info("removed event source", "name", name)
	}
}

// StartAll starts every registered source.
func (m *Mux) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	srcs := m.snapshot()
	m.mu.Unlock()
	for _, src := range srcs {
		src.Start(ctx)
	}
}

// StopAll stops every registered source.
func (m *Mux) StopAll() {
	m.mu.Lock()
	m.running = false
	srcs := m.snapshot()
	m.mu.Unlock()
	for _, src := range srcs {
		src.Stop()
	}
}

func (m *Mux) snapshot() []*Source {
	out := make([]*Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	return out
}

// AggregatedSession is a session tagged with the source it came from.
type AggregatedSession struct {
	Session
	Instance string `json:"instance"`
}

// AggregatedSessions flattens sessions across all sources, newest first.
func (m *Mux) AggregatedSessions() []AggregatedSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AggregatedSession
	for name, src := range m.sources {
		for _, sess := range src.Sessions() {
			out = append(out, AggregatedSession{Session: sess, Instance: name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// FindSession locates a session across all sources, returning the source
// name that tracks it.
func (m *Mux) FindSession(sessionID string) (string, Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, src := range m.sources {
		if sess, ok := src.Session(sessionID); ok {
			return name, sess, true
		}
	}
	return "", Session{}, false
}

// SessionMessages returns a session's messages from whichever source
// tracks them.
func (m *Mux) SessionMessages(sessionID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if msgs := src.SessionMessages(sessionID); len(msgs) > 0 {
			return msgs
		}
	}
	return nil
}

// FetchSessionMessages pulls a session's history over REST from the source
// that tracks it.
func (m *Mux) FetchSessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	m.mu.Lock()
	var owner *Source
	for _, src := range m.sources {
		if _, ok := src.Session(sessionID); ok {
			owner = src
			break
		}
	}
	m.mu.Unlock()
	if owner == nil {
		return nil, nil
	}
	return owner.FetchSessionMessages(ctx, sessionID)
}

// ConnectionStatus aggregates per-source connection diagnostics.
func (m *Mux) ConnectionStatus() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	perSource := make(map[string]any, len(m.sources))
	total := 0
	for name, src := range m.sources {
		st := src.ConnectionStatus()
		perSource[name] = st
		if n, ok := st["session_count"].(int); ok {
			total += n
		}
	}
	return map[string]any{
		"sources":        perSource,
		"total_sessions": total,
		"running":        m.running,
	}
}
