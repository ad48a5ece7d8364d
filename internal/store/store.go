// Package store is the persistence collaborator of a conversation: the hub
// records who was matched with whom, a call loads its partner context from
// that record and stores the outcome when it ends.
//
// Persistence is never on the critical path of a call. Callers treat every
// method as an opaque call that may fail independently of session logic, and
// [Guard] keeps a failing database from slowing every call down.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no match record exists for a session.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable is returned while the backing database is considered down.
	ErrUnavailable = errors.New("store: unavailable")
)

// Participant is one side of a match.
type Participant struct {
	UserID   string
	Username string
	Avatar   string
	Persona  string
}

// MatchRecord is written by the hub when it pairs two searchers.
type MatchRecord struct {
	SessionID string
	Members   [2]Participant
	CreatedAt time.Time
}

// Partner returns the member that is not selfID.
func (r MatchRecord) Partner(selfID string) (Participant, bool) {
	switch selfID {
	case r.Members[0].UserID:
		return r.Members[1], true
	case r.Members[1].UserID:
		return r.Members[0], true
	default:
		return Participant{}, false
	}
}

// SessionContext is what a call needs to know about its partner.
type SessionContext struct {
	PartnerID     string
	PartnerName   string
	PartnerAvatar string
}

// EndReason tells why a call ended.
type EndReason string

const (
	EndHangup      EndReason = "hangup"
	EndPartnerLeft EndReason = "partner-left"
	EndFailed      EndReason = "failed"
)

// Outcome summarizes a finished call.
type Outcome struct {
	SessionID     string
	SelfID        string
	PartnerID     string
	StartedAt     time.Time
	EndedAt       time.Time
	Duration      time.Duration
	FinalDrift    float64
	AverageDrift  float64
	FeedbackCount int
	EndReason     EndReason
}

// SessionStore is consumed by a call.
type SessionStore interface {
	// LoadSessionContext returns the partner of selfID in sessionID, or
	// [ErrNotFound].
	LoadSessionContext(ctx context.Context, sessionID, selfID string) (SessionContext, error)

	// RecordSessionOutcome stores the summary of a finished call. Recording
	// the same (session, self) twice replaces the earlier outcome.
	RecordSessionOutcome(ctx context.Context, o Outcome) error
}

// MatchStore is consumed by the hub.
type MatchStore interface {
	RecordMatch(ctx context.Context, r MatchRecord) error
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	MatchStore

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// contextOf builds the partner view of r for selfID.
func contextOf(r MatchRecord, selfID string) (SessionContext, error) {
	p, ok := r.Partner(selfID)
	if !ok {
		return SessionContext{}, ErrNotFound
	}
	return SessionContext{PartnerID: p.UserID, PartnerName: p.Username, PartnerAvatar: p.Avatar}, nil
}
