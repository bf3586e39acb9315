package liveness

import (
	"vigil/pkg/scoring"
	"vigil/pkg/vision"
)

// Expression and displacement thresholds, tuned against the capture data of
// the original system. The head-turn threshold and its mirrored sign
// convention are empirical; do not recalibrate without real capture data.
const (
	smileThreshold    = 0.70
	eyebrowsThreshold = 0.60

	// blinkNeutralDrop approximates a blink as a drop in expression
	// neutrality. This is a known accuracy gap: it does not truly detect
	// eyelid closure, only a transient expression change.
	blinkNeutralDrop = 0.35

	// turnRatio is the nose-tip horizontal displacement from the jaw
	// midpoint, normalized by face width, that counts as a head turn.
	// The video is mirrored, so a left turn produces a positive ratio.
	turnRatio = 0.15
)

// ruleSatisfied evaluates one challenge type against a detected face and
// returns whether the required action is being performed.
func ruleSatisfied(challengeType string, face vision.Face) bool {
	switch challengeType {
	case scoring.ChallengeSmile:
		return face.Expressions.Happy >= smileThreshold
	case scoring.ChallengeRaiseEyebrows:
		return face.Expressions.Surprised >= eyebrowsThreshold
	case scoring.ChallengeBlink:
		return face.Expressions.Neutral < blinkNeutralDrop
	case scoring.ChallengeTurnLeft:
		r, ok := noseDisplacementRatio(face)
		return ok && r >= turnRatio
	case scoring.ChallengeTurnRight:
		r, ok := noseDisplacementRatio(face)
		return ok && r <= -turnRatio
	case scoring.ChallengeFollowDot:
		// No-op rule reserved for a gaze-tracking extension.
		return true
	default:
		return false
	}
}

// noseDisplacementRatio returns the horizontal displacement of the nose tip
// relative to the jaw-outline midpoint, normalized by face width.
func noseDisplacementRatio(face vision.Face) (float64, bool) {
	mid, ok := face.Landmarks.JawMidpoint()
	if !ok || face.Box.Width <= 0 {
		return 0, false
	}
	return (face.Landmarks.NoseTip.X - mid.X) / face.Box.Width, true
}

// livenessScore folds the detection outcome into a confidence value in
// [0,1]: completed action 0.4, motion consistency 0.3, face quality 0.2,
// plausible timing 0.1.
func livenessScore(actionDetected bool, motionConsistency, faceQuality float64, timingValid bool) float64 {
	score := 0.0
	if actionDetected {
		score += 0.4
	}
	score += clamp01(motionConsistency) * 0.3
	score += clamp01(faceQuality) * 0.2
	if timingValid {
		score += 0.1
	}
	if score > 1 {
		return 1
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
