package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vigil/pkg/scoring"
)

func boolPtr(b bool) *bool { return &b }

// calmSignals returns a signal set that scores zero against the facts.
func calmSignals() scoring.Signals {
	return scoring.Signals{
		DeviceFingerprint:     "fp-1",
		IPAddress:             "203.0.113.10",
		FacePresent:           boolPtr(true),
		CameraReady:           true,
		MouseEntropy:          1.0,
		MouseVelocityVariance: 1.0,
	}
}

func calmFacts() SessionFacts {
	return SessionFacts{
		DeviceFingerprint: "fp-1",
		IPAddress:         "203.0.113.10",
		CreatedAt:         time.Now(),
	}
}

func TestCalmSignalsScoreZero(t *testing.T) {
	a := assessThreat(calmFacts(), calmSignals(), time.Now())
	require.Zero(t, a.Score)
	require.Empty(t, a.Triggers)
	require.Equal(t, scoring.ActionContinue, a.RecommendedAction)
}

func TestDeviceMismatchWeight(t *testing.T) {
	sig := calmSignals()
	sig.DeviceFingerprint = "fp-other"
	a := assessThreat(calmFacts(), sig, time.Now())
	require.Equal(t, 40.0, a.Score)
	require.Contains(t, a.Triggers, "Device mismatch detected")
	require.Equal(t, scoring.ActionIncreaseMonitoring, a.RecommendedAction)
}

func TestIPDriftSubnetTolerance(t *testing.T) {
	cases := []struct {
		name    string
		current string
		want    float64
	}{
		{"same address", "203.0.113.10", 0},
		{"same /24", "203.0.113.99", 10},
		{"different subnet", "198.51.100.1", 25},
		{"unparseable", "not-an-ip", 25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ipDriftScore("203.0.113.10", tc.current))
		})
	}
}

func TestCameraAnomaliesCapped(t *testing.T) {
	sig := calmSignals()
	sig.FacePresent = boolPtr(false)
	sig.MultipleFaces = true
	sig.CameraBlocked = true
	// 20 + 15 + 15 would be 50; the component caps at 35.
	require.Equal(t, 35.0, cameraAnomalyScore(sig))

	a := assessThreat(calmFacts(), sig, time.Now())
	require.Contains(t, a.Triggers, "Multiple faces detected")
	require.Contains(t, a.Triggers, "No face detected")
	require.Contains(t, a.Triggers, "Camera blocked or covered")
}

func TestMouseBehaviorScoring(t *testing.T) {
	cases := []struct {
		entropy, variance, want float64
	}{
		{1.0, 1.0, 0},
		{0.2, 1.0, 15},
		{0.4, 1.0, 8},
		{1.0, 0.1, 10},
		{0.2, 0.1, 25},
	}
	for _, tc := range cases {
		sig := calmSignals()
		sig.MouseEntropy = tc.entropy
		sig.MouseVelocityVariance = tc.variance
		require.Equal(t, tc.want, mouseBehaviorScore(sig),
			"entropy=%v variance=%v", tc.entropy, tc.variance)
	}
}

func TestCaptchaFailurePenalty(t *testing.T) {
	sig := calmSignals()
	sig.FacialCaptchaFailed = 1
	a := assessThreat(calmFacts(), sig, time.Now())
	require.Equal(t, 45.0, a.Score)
	require.Contains(t, a.Triggers, "Facial CAPTCHA verification failed")
}

func TestFaceMismatchDistanceThreshold(t *testing.T) {
	stored := make([]float64, embeddingDim)
	matching := make([]float64, embeddingDim)
	copy(matching, stored)
	matching[0] = 0.5 // distance 0.5, inside the bound

	foreign := make([]float64, embeddingDim)
	foreign[0] = 0.55 // distance exactly at the bound

	require.Zero(t, faceMismatchScore(matching, stored))
	require.Equal(t, 50.0, faceMismatchScore(foreign, stored))
	require.Zero(t, faceMismatchScore(nil, stored), "missing embedding cannot be verified")
	require.Zero(t, faceMismatchScore(foreign[:10], stored), "wrong dimensionality is ignored")

	facts := calmFacts()
	facts.StoredFaceEmbedding = stored
	sig := calmSignals()
	sig.LiveFaceEmbedding = foreign
	a := assessThreat(facts, sig, time.Now())
	require.Contains(t, a.Triggers, scoring.TriggerFaceMismatch)
}

func TestSessionAgePenalty(t *testing.T) {
	now := time.Now()
	require.Zero(t, sessionAgeScore(now.Add(-1*time.Hour), now))
	require.Equal(t, 2.0, sessionAgeScore(now.Add(-13*time.Hour), now))
	require.Equal(t, 5.0, sessionAgeScore(now.Add(-25*time.Hour), now))
	require.Zero(t, sessionAgeScore(time.Time{}, now))
}

func TestScoreCappedAt100(t *testing.T) {
	facts := calmFacts()
	sig := calmSignals()
	sig.DeviceFingerprint = "fp-other"
	sig.IPAddress = "198.51.100.1"
	sig.FacialCaptchaFailed = 3
	sig.MouseEntropy = 0.1
	sig.MouseVelocityVariance = 0.1
	a := assessThreat(facts, sig, time.Now())
	require.Equal(t, 100.0, a.Score)
	require.Equal(t, scoring.ActionForceLogout, a.RecommendedAction)
}

func TestRecommendedActionBands(t *testing.T) {
	require.Equal(t, scoring.ActionContinue, recommendedAction(19))
	require.Equal(t, scoring.ActionIncreaseMonitoring, recommendedAction(20))
	require.Equal(t, scoring.ActionLockSession, recommendedAction(60))
	require.Equal(t, scoring.ActionForceLogout, recommendedAction(80))
}

func TestChallengeTriggerThreshold(t *testing.T) {
	require.False(t, requiresChallenge(59))
	require.True(t, requiresChallenge(60))
}
