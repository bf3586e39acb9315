// Package riskgate merges risk verdicts from the heartbeat protocol and the
// realtime push channel into a single session risk state, and gates liveness
// challenges so that at most one is ever pending.
package riskgate

import (
	"context"
	"encoding/json"
	"sync"

	"vigil/pkg/heartbeat"
	"vigil/pkg/pushchan"
	"vigil/pkg/scoring"
	"vigil/pkg/structlog"
)

// Status is the coarse session risk classification shown to the user.
type Status string

const (
	StatusNormal  Status = "NORMAL"
	StatusWarning Status = "WARNING"
	StatusLocked  Status = "LOCKED"
)

// ChallengeScoreThreshold is the score at which a challenge is demanded even
// when the verdict does not carry the explicit challenge flag.
const ChallengeScoreThreshold = 75.0

// Hard failure reasons. A challenge failed for one of these cannot succeed
// on retry, so the gate locks instead of re-prompting.
const (
	ReasonCameraDenied = "Camera permission denied"
	ReasonModelsFailed = "Face detection models unavailable"
)

// SessionRiskState is the merged view over all verdict sources. Each new
// verdict supersedes the previous state; no history is kept.
type SessionRiskState struct {
	Status                 Status  `json:"status"`
	Score                  float64 `json:"score"`
	PendingChallengeReason string  `json:"pending_challenge_reason,omitempty"`
	// FaceMismatch drives an indicator distinct from Status; it clears only
	// when a challenge succeeds.
	FaceMismatch bool `json:"face_mismatch"`
}

// Callbacks surface gate transitions to the surrounding UI. Nil callbacks
// are allowed.
type Callbacks struct {
	OnChallengeRequired func(reason string)
	OnChallengeSuccess  func()
	OnChallengeFailure  func(reason string)
	OnThreatUpdate      func(scoring.Verdict)
}

// ScoreReader is the slice of the scoring collaborator the gate needs for
// its post-success refresh.
type ScoreReader interface {
	ThreatScore(ctx context.Context) (scoring.Verdict, error)
}

// ChallengeLedger receives challenge outcomes; the heartbeat monitor
// implements it so failure counts ride along on subsequent reports.
type ChallengeLedger interface {
	NoteChallengeSucceeded()
	NoteChallengeFailed()
}

// Orchestrator is the risk gating orchestrator. All methods are safe for
// concurrent use; callbacks are invoked outside its lock.
type Orchestrator struct {
	scorer ScoreReader
	ledger ChallengeLedger
	cb     Callbacks
	log    *structlog.Logger

	mu      sync.Mutex
	state   SessionRiskState
	pending bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger attaches a logger.
func WithOrchestratorLogger(log *structlog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// NewOrchestrator creates an Orchestrator in the NORMAL state.
func NewOrchestrator(scorer ScoreReader, ledger ChallengeLedger, cb Callbacks, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		scorer: scorer,
		ledger: ledger,
		cb:     cb,
		log:    structlog.Nop(),
		state:  SessionRiskState{Status: StatusNormal},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current merged risk state.
func (o *Orchestrator) State() SessionRiskState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ChallengePending reports whether a challenge is currently demanded.
func (o *Orchestrator) ChallengePending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// HandleVerdict folds a new verdict into the session risk state, regardless
// of which transport delivered it.
func (o *Orchestrator) HandleVerdict(v scoring.Verdict) {
	o.mu.Lock()
	o.state.Score = v.Score
	o.state.Status = statusFor(v)
	o.mu.Unlock()

	if o.cb.OnThreatUpdate != nil {
		o.cb.OnThreatUpdate(v)
	}

	if v.RequiresChallenge || v.Score >= ChallengeScoreThreshold {
		o.demandChallenge(v.FirstTrigger())
	}
}

// Escalate demands a challenge for a locally detected condition, bypassing
// the remote score. A session-locked escalation also forces the LOCKED
// status, since only a successful challenge clears it.
func (o *Orchestrator) Escalate(reason string) {
	if reason == heartbeat.ReasonSessionLocked {
		o.mu.Lock()
		o.state.Status = StatusLocked
		o.mu.Unlock()
	}
	o.demandChallenge(reason)
}

// NoteFaceMismatch sets the face-mismatch indicator.
func (o *Orchestrator) NoteFaceMismatch() {
	o.mu.Lock()
	o.state.FaceMismatch = true
	o.mu.Unlock()
}

// ChallengeSucceeded clears the pending challenge, informs the ledger, and
// re-queries the collaborator's score exactly once so the state reflects the
// post-challenge reality.
func (o *Orchestrator) ChallengeSucceeded(ctx context.Context) {
	o.mu.Lock()
	if !o.pending {
		o.mu.Unlock()
		return
	}
	o.pending = false
	o.state.PendingChallengeReason = ""
	o.state.FaceMismatch = false
	o.mu.Unlock()

	o.ledger.NoteChallengeSucceeded()
	if o.cb.OnChallengeSuccess != nil {
		o.cb.OnChallengeSuccess()
	}

	v, err := o.scorer.ThreatScore(ctx)
	if err != nil {
		// The next heartbeat verdict refreshes the state anyway.
		o.log.Warn("post-challenge score refresh failed", structlog.Fields{"error": err.Error()})
		return
	}
	o.HandleVerdict(v)
}

// ChallengeFailed records the failure and re-prompts, unless the reason is a
// hard lock signal for which retrying cannot help.
func (o *Orchestrator) ChallengeFailed(reason string) {
	o.mu.Lock()
	if !o.pending {
		o.mu.Unlock()
		return
	}
	hard := hardFailure(reason)
	if hard {
		o.pending = false
		o.state.PendingChallengeReason = ""
		o.state.Status = StatusLocked
	} else {
		// Keep the gate closed; the re-prompt reuses the original reason.
		reason = o.state.PendingChallengeReason
	}
	o.mu.Unlock()

	o.ledger.NoteChallengeFailed()
	if o.cb.OnChallengeFailure != nil {
		o.cb.OnChallengeFailure(reason)
	}
	if !hard && o.cb.OnChallengeRequired != nil {
		o.cb.OnChallengeRequired(reason)
	}
}

// HandlePushFrame decodes a threat_update frame from the push channel and
// folds it in like any other verdict. Malformed frames are dropped.
func (o *Orchestrator) HandlePushFrame(f pushchan.Frame) {
	var v scoring.Verdict
	if err := json.Unmarshal(f.Data, &v); err != nil {
		o.log.Warn("discarding malformed threat update", structlog.Fields{"error": err.Error()})
		return
	}
	if v.Score < 0 || v.Score > 100 {
		o.log.Warn("discarding out-of-range threat update", structlog.Fields{"score": v.Score})
		return
	}
	o.HandleVerdict(v)
}

// BindPush subscribes the orchestrator to the push channel's threat updates.
func (o *Orchestrator) BindPush(c *pushchan.Client) pushchan.Subscription {
	return c.On(pushchan.EventThreatUpdate, o.HandlePushFrame)
}

// MonitorCallbacks wires the heartbeat monitor's outcomes into the gate.
func (o *Orchestrator) MonitorCallbacks() heartbeat.Callbacks {
	return heartbeat.Callbacks{
		OnVerdict:      o.HandleVerdict,
		OnEscalate:     o.Escalate,
		OnFaceMismatch: o.NoteFaceMismatch,
	}
}

// demandChallenge closes the gate for the given reason. At most one
// challenge is pending at a time; later demands are absorbed.
func (o *Orchestrator) demandChallenge(reason string) {
	o.mu.Lock()
	if o.pending {
		o.mu.Unlock()
		return
	}
	o.pending = true
	o.state.PendingChallengeReason = reason
	o.mu.Unlock()

	o.log.SecurityEvent("liveness challenge demanded", structlog.Fields{"reason": reason})
	if o.cb.OnChallengeRequired != nil {
		o.cb.OnChallengeRequired(reason)
	}
}

func hardFailure(reason string) bool {
	switch reason {
	case ReasonCameraDenied, ReasonModelsFailed:
		return true
	}
	return false
}

// statusFor maps a verdict onto the coarse status. The recommended action
// wins when present; otherwise the score bands of the scoring collaborator
// apply.
func statusFor(v scoring.Verdict) Status {
	switch v.RecommendedAction {
	case scoring.ActionForceLogout, scoring.ActionLockSession:
		return StatusLocked
	case scoring.ActionIncreaseMonitoring:
		return StatusWarning
	case scoring.ActionContinue:
		return StatusNormal
	}
	switch {
	case v.Score >= 60:
		return StatusLocked
	case v.Score >= 20:
		return StatusWarning
	default:
		return StatusNormal
	}
}
