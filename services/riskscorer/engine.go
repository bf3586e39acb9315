package main

import (
	"math"
	"net/netip"
	"time"

	"vigil/pkg/scoring"
)

// Threat score thresholds.
const (
	logoutThreshold  = 80.0
	lockThreshold    = 60.0
	monitorThreshold = 20.0

	// faceMatchDistance is the strict Euclidean bound shared with login
	// verification; at or beyond it the live face is treated as foreign.
	faceMatchDistance = 0.55
)

// SessionFacts is the bound-at-login state an assessment compares against.
type SessionFacts struct {
	DeviceFingerprint   string
	IPAddress           string
	CreatedAt           time.Time
	StoredFaceEmbedding []float64
}

// Assessment is one deterministic, explainable scoring result.
type Assessment struct {
	Score             float64            `json:"score"`
	Breakdown         map[string]float64 `json:"breakdown"`
	Triggers          []string           `json:"triggers"`
	RecommendedAction string             `json:"recommended_action"`
	Timestamp         time.Time          `json:"timestamp"`
}

// assessThreat scores one heartbeat's signals against the session facts.
// Every rule contributes an additive, capped component; the total is capped
// at 100.
func assessThreat(facts SessionFacts, sig scoring.Signals, now time.Time) Assessment {
	a := Assessment{
		Breakdown: make(map[string]float64),
		Triggers:  []string{},
		Timestamp: now,
	}

	add := func(component string, points float64, trigger string) {
		a.Breakdown[component] = points
		a.Score += points
		if points > 0 && trigger != "" {
			a.Triggers = append(a.Triggers, trigger)
		}
	}

	add("device_mismatch", deviceMismatchScore(facts.DeviceFingerprint, sig.DeviceFingerprint),
		"Device mismatch detected")
	add("ip_drift", ipDriftScore(facts.IPAddress, sig.IPAddress),
		"IP address change detected")

	camera := cameraAnomalyScore(sig)
	a.Breakdown["camera_anomalies"] = camera
	a.Score += camera
	if camera > 0 {
		if sig.MultipleFaces {
			a.Triggers = append(a.Triggers, "Multiple faces detected")
		}
		if sig.FacePresent != nil && !*sig.FacePresent {
			a.Triggers = append(a.Triggers, "No face detected")
		}
		if sig.CameraBlocked {
			a.Triggers = append(a.Triggers, "Camera blocked or covered")
		}
	}

	add("behavioral_anomalies", behaviorAnomalyScore(sig), "Unusual behavioral patterns")
	add("facial_captcha_failure", float64(sig.FacialCaptchaFailed)*45,
		"Facial CAPTCHA verification failed")
	add("face_mismatch", faceMismatchScore(sig.LiveFaceEmbedding, facts.StoredFaceEmbedding),
		scoring.TriggerFaceMismatch)
	add("mouse_behavior", mouseBehaviorScore(sig), "Bot-like mouse behavior detected")
	add("session_age", sessionAgeScore(facts.CreatedAt, now), "")

	a.Score = math.Min(a.Score, 100)
	a.RecommendedAction = recommendedAction(a.Score)
	return a
}

func recommendedAction(score float64) string {
	switch {
	case score >= logoutThreshold:
		return scoring.ActionForceLogout
	case score >= lockThreshold:
		return scoring.ActionLockSession
	case score >= monitorThreshold:
		return scoring.ActionIncreaseMonitoring
	default:
		return scoring.ActionContinue
	}
}

// requiresChallenge reports whether a score alone demands a facial CAPTCHA.
func requiresChallenge(score float64) bool {
	return score >= lockThreshold
}

func deviceMismatchScore(bound, current string) float64 {
	if bound == "" || current == "" {
		return 0
	}
	if bound != current {
		return 40
	}
	return 0
}

// ipDriftScore tolerates movement inside the bound address's /24: mobile
// clients renumber constantly within one network.
func ipDriftScore(bound, current string) float64 {
	if bound == "" || current == "" {
		return 0
	}
	if bound == current {
		return 0
	}
	boundAddr, err1 := netip.ParseAddr(bound)
	currentAddr, err2 := netip.ParseAddr(current)
	if err1 != nil || err2 != nil {
		return 25
	}
	prefix, err := boundAddr.Prefix(24)
	if err != nil {
		return 25
	}
	if prefix.Contains(currentAddr) {
		return 10
	}
	return 25
}

func cameraAnomalyScore(sig scoring.Signals) float64 {
	score := 0.0
	if sig.MultipleFaces {
		score += 20
	}
	if sig.CameraBlocked {
		score += 15
	}
	if sig.FacePresent != nil && !*sig.FacePresent {
		score += 15
	}
	return math.Min(score, 35)
}

func behaviorAnomalyScore(sig scoring.Signals) float64 {
	score := 0.0
	if sig.KeystrokeDeviation > 2.0 {
		score += 10
	}
	if sig.MouseDeviation > 2.0 {
		score += 10
	}
	return math.Min(score, 20)
}

func mouseBehaviorScore(sig scoring.Signals) float64 {
	score := 0.0
	switch {
	case sig.MouseEntropy < 0.3:
		score += 15
	case sig.MouseEntropy < 0.5:
		score += 8
	}
	if sig.MouseVelocityVariance < 0.2 {
		score += 10
	}
	return math.Min(score, 25)
}

func faceMismatchScore(live, stored []float64) float64 {
	if len(live) != embeddingDim || len(stored) != embeddingDim {
		return 0 // cannot verify without both embeddings
	}
	if euclideanDistance(live, stored) >= faceMatchDistance {
		return 50
	}
	return 0
}

func sessionAgeScore(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	age := now.Sub(createdAt)
	switch {
	case age > 24*time.Hour:
		return 5
	case age > 12*time.Hour:
		return 2
	}
	return 0
}

func euclideanDistance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
