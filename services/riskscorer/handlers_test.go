package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"vigil/pkg/eventbus"
	"vigil/pkg/scoring"
)

var testSecret = []byte("test-secret")

type capturingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *capturingBus) Publish(ctx context.Context, evt eventbus.Event) error {
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
	return nil
}

func (b *capturingBus) published() []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]eventbus.Event(nil), b.events...)
}

type testService struct {
	srv      *server
	sessions *memorySessionStore
	attempts *memoryAttemptStore
	bus      *capturingBus
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	sessions := newMemorySessionStore()
	attempts := newMemoryAttemptStore()
	bus := &capturingBus{}
	srv := newServer(sessions, attempts, noopTelemetry{}, bus,
		newServiceMetrics(prometheus.NewRegistry()), testSecret)
	return &testService{srv: srv, sessions: sessions, attempts: attempts, bus: bus}
}

// seedSession stores a session and returns its bearer token.
func (ts *testService) seedSession(t *testing.T, session SessionState) string {
	t.Helper()
	if session.ID == "" {
		session.ID = "sess-1"
	}
	if session.UserID == "" {
		session.UserID = "user-1"
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	require.NoError(t, ts.sessions.Put(context.Background(), session))
	token, err := issueSessionToken(testSecret, session.UserID, session.ID, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testService) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	mux := http.NewServeMux()
	ts.srv.routes(mux)
	mux.ServeHTTP(w, req)
	return w
}

func (ts *testService) heartbeat(t *testing.T, token string, sig scoring.Signals) *httptest.ResponseRecorder {
	return ts.do(t, http.MethodPost, "/api/monitoring/heartbeat", token, heartbeatRequest{Signals: sig})
}

func calmSessionFacts() SessionState {
	return SessionState{DeviceFingerprint: "fp-1", IPAddress: "203.0.113.10"}
}

func TestHeartbeatCalmSession(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	w := ts.heartbeat(t, token, calmSignals())
	require.Equal(t, http.StatusOK, w.Code)

	var resp threatScoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Zero(t, resp.Score)
	require.Equal(t, scoring.ActionContinue, resp.RecommendedAction)
	require.False(t, resp.RequiresFacialCaptcha)

	events := ts.bus.published()
	require.Len(t, events, 1)
	require.Equal(t, eventbus.TopicThreatUpdate, events[0].Topic)
	require.Equal(t, "sess-1", events[0].SessionToken)
}

func TestHeartbeatRequiresAuth(t *testing.T) {
	ts := newTestService(t)
	w := ts.heartbeat(t, "", calmSignals())
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHeartbeatLockedSessionReturns403(t *testing.T) {
	ts := newTestService(t)
	session := calmSessionFacts()
	session.Locked = true
	token := ts.seedSession(t, session)

	w := ts.heartbeat(t, token, calmSignals())
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHeartbeatForceLogoutDeletesSession(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	sig := calmSignals()
	sig.DeviceFingerprint = "fp-other" // +40
	sig.FacialCaptchaFailed = 1        // +45 -> 85 >= FORCE_LOGOUT
	w := ts.heartbeat(t, token, sig)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := ts.sessions.Get(context.Background(), "sess-1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHeartbeatNoFaceStreakForcesLock(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	sig := calmSignals()
	sig.FacePresent = boolPtr(false)

	for i := 0; i < noFaceLockStreak-1; i++ {
		w := ts.heartbeat(t, token, sig)
		require.Equal(t, http.StatusOK, w.Code, "tick %d must not lock yet", i+1)
	}

	w := ts.heartbeat(t, token, sig)
	require.Equal(t, http.StatusOK, w.Code)
	var resp threatScoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.GreaterOrEqual(t, resp.Score, lockThreshold)
	require.Equal(t, scoring.ActionLockSession, resp.RecommendedAction)
	require.True(t, resp.RequiresFacialCaptcha)

	// The lock has taken effect: the next heartbeat bounces.
	w = ts.heartbeat(t, token, sig)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHeartbeatCameraDownResetsStreaks(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	noFace := calmSignals()
	noFace.FacePresent = boolPtr(false)
	for i := 0; i < noFaceLockStreak-1; i++ {
		ts.heartbeat(t, token, noFace)
	}

	down := calmSignals()
	down.CameraReady = false
	down.FacePresent = boolPtr(false) // ignored server-side while camera is down
	ts.heartbeat(t, token, down)

	session, err := ts.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Zero(t, session.NoFaceStreak)
	require.False(t, session.Locked)
}

func TestChallengeIssuance(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	w := ts.do(t, http.MethodGet, "/api/facial-captcha/challenge", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var ch scoring.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	require.NotEmpty(t, ch.ID)
	require.Contains(t, challengeTypes, ch.Type)
	require.Equal(t, challengeInstructions[ch.Type], ch.Instruction)
	require.GreaterOrEqual(t, ch.TimeLimit, 5)
	require.LessOrEqual(t, ch.TimeLimit, 8)

	w = ts.do(t, http.MethodGet, "/api/facial-captcha/challenge", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func validVerifyRequest(challengeID string) scoring.VerifyRequest {
	return scoring.VerifyRequest{
		ChallengeID:     challengeID,
		ChallengeType:   scoring.ChallengeSmile,
		ChallengeResult: true,
		TimingSeconds:   2.0,
		LivenessScore:   0.9,
		FaceEmbedding:   make([]float64, embeddingDim),
	}
}

func TestVerifyPassUnlocksSession(t *testing.T) {
	ts := newTestService(t)
	session := calmSessionFacts()
	session.Locked = true
	session.RequiresChallenge = true
	session.ThreatScore = 70
	token := ts.seedSession(t, session)

	w := ts.do(t, http.MethodPost, "/api/facial-captcha/verify", token, validVerifyRequest("ch-1"))
	require.Equal(t, http.StatusOK, w.Code)

	var res scoring.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Success)
	require.Equal(t, scoring.VerdictPass, res.Verdict)
	require.Equal(t, "ch-1", res.ChallengeID)
	require.Zero(t, res.NewThreatScore)

	updated, err := ts.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.False(t, updated.Locked)
	require.False(t, updated.RequiresChallenge)
}

func TestVerifyReplayRejected(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	w := ts.do(t, http.MethodPost, "/api/facial-captcha/verify", token, validVerifyRequest("ch-1"))
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/facial-captcha/verify", token, validVerifyRequest("ch-1"))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyHighRiskOnWeakLiveness(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	req := validVerifyRequest("ch-slow")
	req.TimingSeconds = 9.0
	w := ts.do(t, http.MethodPost, "/api/facial-captcha/verify", token, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res scoring.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.False(t, res.Success)
	require.Equal(t, scoring.VerdictHighRisk, res.Verdict)
	require.Contains(t, res.Message, "Response too slow")
	require.Equal(t, 45.0, res.NewThreatScore)
}

func TestVerifyFailOnFaceMismatchLocks(t *testing.T) {
	ts := newTestService(t)
	session := calmSessionFacts()
	session.ThreatScore = 20
	session.StoredFaceEmbedding = make([]float64, embeddingDim)
	token := ts.seedSession(t, session)

	req := validVerifyRequest("ch-1")
	req.FaceEmbedding = make([]float64, embeddingDim)
	req.FaceEmbedding[0] = 1.0 // distance 1.0 from the enrolled face
	w := ts.do(t, http.MethodPost, "/api/facial-captcha/verify", token, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res scoring.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, scoring.VerdictFail, res.Verdict)
	require.Equal(t, 65.0, res.NewThreatScore)

	updated, err := ts.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, updated.Locked, "the +45 penalty crossed the lock threshold")
}

func TestVerifyRateLimited(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	for i := 0; i < maxCaptchaAttempts; i++ {
		require.NoError(t, ts.attempts.Record(context.Background(), Attempt{
			UserID:      "user-1",
			ChallengeID: fmt.Sprintf("ch-%d", i),
			Success:     false,
			At:          time.Now(),
		}))
	}

	w := ts.do(t, http.MethodPost, "/api/facial-captcha/verify", token, validVerifyRequest("ch-fresh"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestVerifyEmbeddingDimensionRejected(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	req := validVerifyRequest("ch-1")
	req.FaceEmbedding = make([]float64, 64)
	w := ts.do(t, http.MethodPost, "/api/facial-captcha/verify", token, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestThreatScoreReadback(t *testing.T) {
	ts := newTestService(t)
	token := ts.seedSession(t, calmSessionFacts())

	sig := calmSignals()
	sig.IPAddress = "198.51.100.1" // +25
	ts.heartbeat(t, token, sig)

	w := ts.do(t, http.MethodGet, "/api/monitoring/threat-score", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp threatScoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 25.0, resp.Score)
	require.Contains(t, resp.Triggers, "IP address change detected")
	require.Equal(t, scoring.ActionContinue, resp.RecommendedAction)
}

func TestCreateSessionIssuesUsableToken(t *testing.T) {
	ts := newTestService(t)

	w := ts.do(t, http.MethodPost, "/api/session", "", createSessionRequest{
		UserID:            "user-9",
		DeviceFingerprint: "fp-9",
		IPAddress:         "203.0.113.9",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["session_id"])

	got := ts.do(t, http.MethodGet, "/api/facial-captcha/challenge", resp["token"], nil)
	require.Equal(t, http.StatusOK, got.Code)
}
