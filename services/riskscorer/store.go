package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"vigil/pkg/vision"
)

const embeddingDim = vision.EmbeddingDim

var ErrSessionNotFound = errors.New("session not found")

// SessionState is the server's per-session risk record.
type SessionState struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	IPAddress         string    `json:"ip_address"`
	CreatedAt         time.Time `json:"created_at"`

	ThreatScore       float64            `json:"threat_score"`
	ThreatTriggers    []string           `json:"threat_triggers"`
	ThreatBreakdown   map[string]float64 `json:"threat_breakdown"`
	Locked            bool               `json:"is_locked"`
	RequiresChallenge bool               `json:"requires_facial_captcha"`
	NoFaceStreak      int                `json:"no_face_streak"`
	MultiFaceStreak   int                `json:"multi_face_streak"`
	LastHeartbeat     time.Time          `json:"last_heartbeat"`

	// StoredFaceEmbedding is the enrolled face the live embedding is
	// compared against. Nil means no face is enrolled.
	StoredFaceEmbedding []float64 `json:"stored_face_embedding,omitempty"`
}

// SessionStore persists session risk state.
type SessionStore interface {
	Get(ctx context.Context, id string) (SessionState, error)
	Put(ctx context.Context, s SessionState) error
	Delete(ctx context.Context, id string) error
}

// Attempt is one recorded facial CAPTCHA attempt.
type Attempt struct {
	UserID           string    `json:"user_id"`
	ChallengeID      string    `json:"challenge_id"`
	ChallengeType    string    `json:"challenge_type"`
	Success          bool      `json:"success"`
	LivenessVerified bool      `json:"liveness_verified"`
	FaceMatched      bool      `json:"face_matched"`
	At               time.Time `json:"timestamp"`
}

// AttemptStore keeps the challenge attempt history used for replay
// prevention and rate limiting.
type AttemptStore interface {
	// Seen reports whether the challenge id was already consumed for the user.
	Seen(ctx context.Context, userID, challengeID string) (bool, error)
	Record(ctx context.Context, a Attempt) error
	// RecentFailures counts failed attempts within the window ending now.
	RecentFailures(ctx context.Context, userID string, window time.Duration) (int, error)
	Close() error
}

// memorySessionStore is the no-database fallback, mirroring the disable-DB
// mode the service supports for local runs and tests.
type memorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionState
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: make(map[string]SessionState)}
}

func (m *memorySessionStore) Get(ctx context.Context, id string) (SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return SessionState{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *memorySessionStore) Put(ctx context.Context, s SessionState) error {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *memorySessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

type memoryAttemptStore struct {
	mu       sync.RWMutex
	attempts []Attempt
	now      func() time.Time
}

func newMemoryAttemptStore() *memoryAttemptStore {
	return &memoryAttemptStore{now: time.Now}
}

func (m *memoryAttemptStore) Seen(ctx context.Context, userID, challengeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.attempts {
		if a.UserID == userID && a.ChallengeID == challengeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryAttemptStore) Record(ctx context.Context, a Attempt) error {
	m.mu.Lock()
	m.attempts = append(m.attempts, a)
	m.mu.Unlock()
	return nil
}

func (m *memoryAttemptStore) RecentFailures(ctx context.Context, userID string, window time.Duration) (int, error) {
	cutoff := m.now().Add(-window)
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, a := range m.attempts {
		if a.UserID == userID && !a.Success && a.At.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *memoryAttemptStore) Close() error { return nil }
