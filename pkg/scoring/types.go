// Package scoring implements the client side of the scoring collaborator
// protocol: challenge issuance, challenge verification, the heartbeat report
// and the threat-score read-back. Payloads are validated at this boundary;
// malformed verdicts are rejected rather than propagated.
package scoring

import (
	"errors"
	"fmt"
	"time"

	"vigil/pkg/behavior"
	"vigil/pkg/vision"
)

// ErrSessionLocked is the distinguished 403 signal: the session is locked
// server-side and only a successful challenge (or fresh authentication)
// clears it.
var ErrSessionLocked = errors.New("session locked by scoring collaborator")

// Challenge types issued by the collaborator.
const (
	ChallengeBlink         = "BLINK_EYES"
	ChallengeTurnLeft      = "TURN_HEAD_LEFT"
	ChallengeTurnRight     = "TURN_HEAD_RIGHT"
	ChallengeSmile         = "SMILE"
	ChallengeRaiseEyebrows = "RAISE_EYEBROWS"
	ChallengeFollowDot     = "FOLLOW_DOT"
)

// Verdict strings returned by challenge verification.
const (
	VerdictPass     = "PASS"
	VerdictHighRisk = "HIGH_RISK"
	VerdictFail     = "FAIL"
)

// Recommended actions carried by threat verdicts.
const (
	ActionContinue           = "CONTINUE"
	ActionIncreaseMonitoring = "INCREASE_MONITORING"
	ActionLockSession        = "LOCK_SESSION"
	ActionForceLogout        = "FORCE_LOGOUT"
)

// TriggerFaceMismatch is the verdict trigger that forces the distinct
// face-mismatch indicator, separate from the generic risk state.
const TriggerFaceMismatch = "Live face does not match database"

// Challenge is a liveness challenge issued by the collaborator. It is
// consumed exactly once and discarded on completion or timeout.
type Challenge struct {
	ID          string `json:"challenge_id"`
	Type        string `json:"challenge_type"`
	Instruction string `json:"instruction"`
	TimeLimit   int    `json:"time_limit"` // seconds

	// IssuedAt is stamped client-side on receipt; it anchors the countdown
	// and the minimum response delay.
	IssuedAt time.Time `json:"-"`
}

// Signals is the heartbeat payload, constructed fresh every tick and not
// retained after send.
type Signals struct {
	DeviceFingerprint     string    `json:"device_fingerprint"`
	IPAddress             string    `json:"ip_address"`
	FacePresent           *bool     `json:"face_present"`
	MultipleFaces         bool      `json:"multiple_faces"`
	CameraReady           bool      `json:"camera_ready"`
	CameraBlocked         bool      `json:"camera_blocked"`
	MouseEntropy          float64   `json:"mouse_entropy"`
	MouseVelocityVariance float64   `json:"mouse_velocity_variance"`
	KeystrokeDeviation    float64   `json:"keystroke_deviation,omitempty"`
	MouseDeviation        float64   `json:"mouse_deviation,omitempty"`
	FacialCaptchaFailed   int       `json:"facial_captcha_failed"`
	LiveFaceEmbedding     []float64 `json:"live_face_embedding,omitempty"`
}

// ApplyBehavior folds behavioral metrics into a Signals value.
func (s *Signals) ApplyBehavior(m behavior.Metrics) {
	s.MouseEntropy = m.Entropy
	s.MouseVelocityVariance = m.VelocityVariance
}

// Verdict is the collaborator's judgment for one signal snapshot. Each new
// verdict supersedes the prior one; no history is kept client-side.
type Verdict struct {
	Score             float64  `json:"score"`
	Triggers          []string `json:"triggers"`
	RecommendedAction string   `json:"recommended_action"`
	RequiresChallenge bool     `json:"requires_facial_captcha"`
}

// FirstTrigger returns the leading reason string, or a fallback when the
// collaborator supplied none.
func (v Verdict) FirstTrigger() string {
	if len(v.Triggers) > 0 {
		return v.Triggers[0]
	}
	return "Elevated risk detected"
}

// HasTrigger reports whether the verdict carries the given reason.
func (v Verdict) HasTrigger(reason string) bool {
	for _, t := range v.Triggers {
		if t == reason {
			return true
		}
	}
	return false
}

// VerifyRequest carries a completed challenge attempt to the collaborator.
type VerifyRequest struct {
	ChallengeID     string    `json:"challenge_id"`
	ChallengeType   string    `json:"challenge_type"`
	ChallengeResult bool      `json:"challenge_result"`
	TimingSeconds   float64   `json:"timing_seconds"`
	LivenessScore   float64   `json:"liveness_score"`
	FaceEmbedding   []float64 `json:"face_embedding"`
}

// VerifyResult is the collaborator's adjudication of a challenge attempt.
// ChallengeID echoes the adjudicated challenge so a stale challenge's result
// can never be replayed against a newer one.
type VerifyResult struct {
	ChallengeID    string  `json:"challenge_id"`
	Success        bool    `json:"success"`
	Verdict        string  `json:"verdict"`
	Message        string  `json:"message"`
	NewThreatScore float64 `json:"new_threat_score"`
}

func validateChallenge(c Challenge) error {
	if c.ID == "" {
		return errors.New("challenge missing id")
	}
	switch c.Type {
	case ChallengeBlink, ChallengeTurnLeft, ChallengeTurnRight,
		ChallengeSmile, ChallengeRaiseEyebrows, ChallengeFollowDot:
	default:
		return fmt.Errorf("unknown challenge type %q", c.Type)
	}
	if c.TimeLimit <= 0 {
		return fmt.Errorf("challenge %s has non-positive time limit %d", c.ID, c.TimeLimit)
	}
	return nil
}

func validateVerdict(v Verdict) error {
	if v.Score < 0 || v.Score > 100 {
		return fmt.Errorf("verdict score %.2f out of range", v.Score)
	}
	return nil
}

func validateVerifyResult(r VerifyResult) error {
	switch r.Verdict {
	case VerdictPass, VerdictHighRisk, VerdictFail:
		return nil
	default:
		return fmt.Errorf("unknown verification verdict %q", r.Verdict)
	}
}

func validateVerifyRequest(r VerifyRequest) error {
	if r.ChallengeID == "" {
		return errors.New("verify request missing challenge id")
	}
	if len(r.FaceEmbedding) != vision.EmbeddingDim {
		return fmt.Errorf("face embedding has %d dimensions, want %d", len(r.FaceEmbedding), vision.EmbeddingDim)
	}
	return nil
}
