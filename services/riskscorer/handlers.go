package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"vigil/pkg/eventbus"
	"vigil/pkg/scoring"
)

// Server-side face streak thresholds; the lock fires on persistent
// anomalies, not transient frames.
const (
	noFaceLockStreak    = 5
	multiFaceLockStreak = 3
)

// Rate limit for failed challenge attempts.
const (
	maxCaptchaAttempts = 5
	failureWindow      = 10 * time.Minute
)

var challengeInstructions = map[string]string{
	scoring.ChallengeBlink:         "Blink Your Eyes",
	scoring.ChallengeTurnLeft:      "Turn Your Head Left",
	scoring.ChallengeTurnRight:     "Turn Your Head Right",
	scoring.ChallengeSmile:         "Smile",
	scoring.ChallengeRaiseEyebrows: "Raise Your Eyebrows",
	scoring.ChallengeFollowDot:     "Follow the Moving Dot with Your Eyes",
}

var challengeTypes = []string{
	scoring.ChallengeBlink,
	scoring.ChallengeTurnLeft,
	scoring.ChallengeTurnRight,
	scoring.ChallengeSmile,
	scoring.ChallengeRaiseEyebrows,
	scoring.ChallengeFollowDot,
}

type server struct {
	sessions  SessionStore
	attempts  AttemptStore
	telemetry TelemetryStore
	bus       eventbus.Publisher
	metrics   *serviceMetrics
	secret    []byte
	now       func() time.Time
}

func newServer(sessions SessionStore, attempts AttemptStore, telemetry TelemetryStore, bus eventbus.Publisher, metrics *serviceMetrics, secret []byte) *server {
	return &server{
		sessions:  sessions,
		attempts:  attempts,
		telemetry: telemetry,
		bus:       bus,
		metrics:   metrics,
		secret:    secret,
		now:       time.Now,
	}
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/session", s.handleCreateSession)
	mux.HandleFunc("/api/facial-captcha/challenge", s.handleChallenge)
	mux.HandleFunc("/api/facial-captcha/verify", s.handleVerify)
	mux.HandleFunc("/api/monitoring/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/monitoring/threat-score", s.handleThreatScore)
}

type createSessionRequest struct {
	UserID              string    `json:"user_id"`
	DeviceFingerprint   string    `json:"device_fingerprint"`
	IPAddress           string    `json:"ip_address"`
	StoredFaceEmbedding []float64 `json:"stored_face_embedding,omitempty"`
}

// handleCreateSession binds a fresh session to the caller's device and IP
// and mints its bearer token. The identity provider in front of this
// service is expected to have authenticated the user already.
func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "Missing user_id", http.StatusBadRequest)
		return
	}
	if len(req.StoredFaceEmbedding) != 0 && len(req.StoredFaceEmbedding) != embeddingDim {
		http.Error(w, fmt.Sprintf("Invalid face embedding: expected %d dimensions", embeddingDim), http.StatusBadRequest)
		return
	}

	session := SessionState{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IPAddress,
		CreatedAt:         s.now(),
	}
	if len(req.StoredFaceEmbedding) == embeddingDim {
		session.StoredFaceEmbedding = req.StoredFaceEmbedding
	}
	if err := s.sessions.Put(r.Context(), session); err != nil {
		log.Printf("session create failed: %v", err)
		http.Error(w, "Session store unavailable", http.StatusInternalServerError)
		return
	}

	token, err := issueSessionToken(s.secret, req.UserID, session.ID, 24*time.Hour)
	if err != nil {
		log.Printf("token issue failed: %v", err)
		http.Error(w, "Token issuance failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": session.ID,
		"token":      token,
	})
}

// authenticate resolves the bearer token to (userID, sessionID). A zero
// userID means the response has already been written.
func (s *server) authenticate(w http.ResponseWriter, r *http.Request) (string, string) {
	token, ok := bearerToken(r)
	if !ok {
		http.Error(w, "Missing authentication", http.StatusUnauthorized)
		return "", ""
	}
	userID, sessionID, err := parseSessionToken(s.secret, token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return "", ""
	}
	return userID, sessionID
}

func (s *server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if userID, _ := s.authenticate(w, r); userID == "" {
		return
	}

	challengeType := challengeTypes[rand.Intn(len(challengeTypes))]
	challenge := scoring.Challenge{
		ID:          uuid.NewString(),
		Type:        challengeType,
		Instruction: challengeInstructions[challengeType],
		TimeLimit:   5 + rand.Intn(4), // 5-8 seconds
	}
	s.metrics.challengesIssued.Inc()
	writeJSON(w, http.StatusOK, challenge)
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, sessionID := s.authenticate(w, r)
	if userID == "" {
		return
	}

	var req scoring.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	session, err := s.sessions.Get(r.Context(), sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		http.Error(w, "No active session found", http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Printf("session load failed: %v", err)
		http.Error(w, "Session store unavailable", http.StatusInternalServerError)
		return
	}

	// Replay prevention: a challenge id is consumed exactly once.
	seen, err := s.attempts.Seen(r.Context(), userID, req.ChallengeID)
	if err != nil {
		log.Printf("attempt lookup failed: %v", err)
		http.Error(w, "Attempt store unavailable", http.StatusInternalServerError)
		return
	}
	if seen || req.ChallengeID == "" {
		http.Error(w, "Challenge already used or invalid", http.StatusBadRequest)
		return
	}

	failures, err := s.attempts.RecentFailures(r.Context(), userID, failureWindow)
	if err != nil {
		log.Printf("failure count failed: %v", err)
		http.Error(w, "Attempt store unavailable", http.StatusInternalServerError)
		return
	}
	if failures >= maxCaptchaAttempts {
		http.Error(w, "Too many failed attempts. Account temporarily locked.", http.StatusTooManyRequests)
		return
	}

	if len(req.FaceEmbedding) != embeddingDim {
		http.Error(w, fmt.Sprintf("Invalid face embedding: expected %d dimensions", embeddingDim), http.StatusBadRequest)
		return
	}

	livenessOK, livenessReason := checkLiveness(req)

	faceMatched := true // no enrolled face means liveness alone decides
	if len(session.StoredFaceEmbedding) == embeddingDim {
		faceMatched = euclideanDistance(req.FaceEmbedding, session.StoredFaceEmbedding) < faceMatchDistance
	}

	var verdict, message string
	var success bool
	switch {
	case faceMatched && livenessOK:
		verdict = scoring.VerdictPass
		success = true
		message = "Facial CAPTCHA verified successfully"
		session.RequiresChallenge = false
		session.Locked = false
		session.ThreatScore = 0
		session.ThreatTriggers = nil
	case faceMatched:
		verdict = scoring.VerdictHighRisk
		message = "Liveness verification failed: " + livenessReason
		session.ThreatScore = math.Min(session.ThreatScore+45, 100)
	default:
		verdict = scoring.VerdictFail
		message = "Face verification failed"
		session.ThreatScore = math.Min(session.ThreatScore+45, 100)
		if session.ThreatScore >= lockThreshold {
			session.Locked = true
		}
	}

	if err := s.sessions.Put(r.Context(), session); err != nil {
		log.Printf("session update failed: %v", err)
		http.Error(w, "Session store unavailable", http.StatusInternalServerError)
		return
	}

	if err := s.attempts.Record(r.Context(), Attempt{
		UserID:           userID,
		ChallengeID:      req.ChallengeID,
		ChallengeType:    req.ChallengeType,
		Success:          success,
		LivenessVerified: livenessOK,
		FaceMatched:      faceMatched,
		At:               s.now(),
	}); err != nil {
		log.Printf("attempt record failed: %v", err)
	}

	s.metrics.verifications.WithLabelValues(verdict).Inc()
	writeJSON(w, http.StatusOK, scoring.VerifyResult{
		ChallengeID:    req.ChallengeID,
		Success:        success,
		Verdict:        verdict,
		Message:        message,
		NewThreatScore: session.ThreatScore,
	})
}

// checkLiveness applies the timing and confidence rules to a completed
// challenge attempt.
func checkLiveness(req scoring.VerifyRequest) (bool, string) {
	if !req.ChallengeResult {
		return false, "Challenge action not completed"
	}
	var reasons []string
	if req.TimingSeconds > 8.0 {
		reasons = append(reasons, "Response too slow (timeout)")
	}
	if req.TimingSeconds < 0.5 {
		reasons = append(reasons, "Response too fast (suspicious)")
	}
	if req.LivenessScore < 0.7 {
		reasons = append(reasons, fmt.Sprintf("Low liveness confidence: %.2f", req.LivenessScore))
	}
	if len(reasons) > 0 {
		return false, strings.Join(reasons, "; ")
	}
	return true, ""
}

type heartbeatRequest struct {
	Signals scoring.Signals `json:"signals"`
}

type threatScoreResponse struct {
	Assessment
	RequiresFacialCaptcha bool `json:"requires_facial_captcha"`
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, sessionID := s.authenticate(w, r)
	if userID == "" {
		return
	}

	session, err := s.sessions.Get(r.Context(), sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		http.Error(w, "No active session found", http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Printf("session load failed: %v", err)
		http.Error(w, "Session store unavailable", http.StatusInternalServerError)
		return
	}

	if session.Locked {
		s.metrics.heartbeats.WithLabelValues("locked").Inc()
		http.Error(w, "Session is locked. Please complete facial CAPTCHA.", http.StatusForbidden)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	sig := req.Signals

	// Face signals are meaningless while the camera is down.
	if !sig.CameraReady {
		sig.FacePresent = nil
		sig.MultipleFaces = false
	}

	facts := SessionFacts{
		DeviceFingerprint:   session.DeviceFingerprint,
		IPAddress:           session.IPAddress,
		CreatedAt:           session.CreatedAt,
		StoredFaceEmbedding: session.StoredFaceEmbedding,
	}
	assessment := assessThreat(facts, sig, s.now())

	// Streaks persist across heartbeats so a single dropped frame never
	// locks the session.
	if sig.CameraReady {
		if sig.FacePresent != nil && !*sig.FacePresent {
			session.NoFaceStreak++
		} else {
			session.NoFaceStreak = 0
		}
		if sig.MultipleFaces {
			session.MultiFaceStreak++
		} else {
			session.MultiFaceStreak = 0
		}
	} else {
		session.NoFaceStreak = 0
		session.MultiFaceStreak = 0
	}

	forceLock := false
	if sig.CameraReady && session.NoFaceStreak >= noFaceLockStreak {
		forceLock = true
		assessment.Triggers = appendTrigger(assessment.Triggers, "No face detected")
	}
	if sig.CameraReady && session.MultiFaceStreak >= multiFaceLockStreak {
		forceLock = true
		assessment.Triggers = appendTrigger(assessment.Triggers, "Multiple faces detected")
	}
	if forceLock {
		assessment.Score = math.Max(assessment.Score, lockThreshold)
		assessment.RecommendedAction = scoring.ActionLockSession
	}

	faceMismatch := false
	for _, t := range assessment.Triggers {
		if t == scoring.TriggerFaceMismatch {
			faceMismatch = true
		}
	}
	requiresCaptcha := requiresChallenge(assessment.Score) || faceMismatch || forceLock

	session.ThreatScore = assessment.Score
	session.ThreatTriggers = assessment.Triggers
	session.ThreatBreakdown = assessment.Breakdown
	session.LastHeartbeat = assessment.Timestamp
	session.RequiresChallenge = session.RequiresChallenge || requiresCaptcha

	s.metrics.threatScores.Observe(assessment.Score)

	s.broadcast(r, sessionID, threatScoreResponse{
		Assessment:            assessment,
		RequiresFacialCaptcha: requiresCaptcha,
	})

	if err := s.telemetry.RecordHeartbeat(r.Context(), userID, sessionID, sig, assessment.Score); err != nil {
		log.Printf("telemetry record failed: %v", err)
	}

	switch {
	case forceLock:
		session.Locked = true
		session.RequiresChallenge = true
	case assessment.RecommendedAction == scoring.ActionForceLogout:
		if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
			log.Printf("session delete failed: %v", err)
		}
		s.metrics.heartbeats.WithLabelValues("forced_logout").Inc()
		http.Error(w, "Session terminated due to high security risk", http.StatusUnauthorized)
		return
	case assessment.RecommendedAction == scoring.ActionLockSession:
		session.Locked = true
		session.RequiresChallenge = true
	}

	if err := s.sessions.Put(r.Context(), session); err != nil {
		log.Printf("session update failed: %v", err)
		http.Error(w, "Session store unavailable", http.StatusInternalServerError)
		return
	}

	s.metrics.heartbeats.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, threatScoreResponse{
		Assessment:            assessment,
		RequiresFacialCaptcha: requiresCaptcha,
	})
}

func (s *server) handleThreatScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, sessionID := s.authenticate(w, r)
	if userID == "" {
		return
	}

	session, err := s.sessions.Get(r.Context(), sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		http.Error(w, "No active session", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("session load failed: %v", err)
		http.Error(w, "Session store unavailable", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, threatScoreResponse{
		Assessment: Assessment{
			Score:             session.ThreatScore,
			Breakdown:         session.ThreatBreakdown,
			Triggers:          session.ThreatTriggers,
			RecommendedAction: scoring.ActionContinue,
			Timestamp:         session.LastHeartbeat,
		},
		RequiresFacialCaptcha: session.RequiresChallenge,
	})
}

// broadcast hands the verdict to the event bus; the websocket hub fans it
// out without blocking the request.
func (s *server) broadcast(r *http.Request, sessionID string, payload threatScoreResponse) {
	err := s.bus.Publish(r.Context(), eventbus.Event{
		Topic:        eventbus.TopicThreatUpdate,
		SessionToken: sessionID,
		Payload:      payload,
	})
	if err != nil {
		log.Printf("threat update publish failed: %v", err)
	}
}

func appendTrigger(triggers []string, trigger string) []string {
	for _, t := range triggers {
		if t == trigger {
			return triggers
		}
	}
	return append(triggers, trigger)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
