package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var _ Store = (*Memory)(nil)

var errEmptySession = errors.New("store: empty session id")

type outcomeKey struct{ session, self string }

// Memory is an in-process [Store]. Nothing survives a restart.
// All methods are safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	matches  map[string]MatchRecord
	outcomes map[outcomeKey]Outcome
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		matches:  make(map[string]MatchRecord),
		outcomes: make(map[outcomeKey]Outcome),
	}
}

// RecordMatch implements [MatchStore].
func (m *Memory) RecordMatch(_ context.Context, r MatchRecord) error {
	if r.SessionID == "" {
		return errEmptySession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[r.SessionID] = r
	return nil
}

// LoadSessionContext implements [SessionStore].
func (m *Memory) LoadSessionContext(_ context.Context, sessionID, selfID string) (SessionContext, error) {
	m.mu.RLock()
	r, ok := m.matches[sessionID]
	m.mu.RUnlock()
	if !ok {
		return SessionContext{}, ErrNotFound
	}
	return contextOf(r, selfID)
}

// RecordSessionOutcome implements [SessionStore].
func (m *Memory) RecordSessionOutcome(_ context.Context, o Outcome) error {
	if o.SessionID == "" {
		return errEmptySession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcomeKey{o.SessionID, o.SelfID}] = o
	return nil
}

// Outcomes returns every recorded outcome for sessionID, ordered by self id.
func (m *Memory) Outcomes(sessionID string) []Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Outcome
	for k, o := range m.outcomes {
		if k.session == sessionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SelfID < out[j].SelfID })
	return out
}

// Ping implements [Store].
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Store].
func (m *Memory) Close() error { return nil }
