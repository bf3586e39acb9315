// Package liveness runs the active challenge-response protocol that proves a
// live, present human: a randomly issued facial challenge must be performed
// on camera within a time budget, then the captured embedding is adjudicated
// by the scoring collaborator.
package liveness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"vigil/pkg/scoring"
	"vigil/pkg/structlog"
	"vigil/pkg/vision"
)

// State is the machine's lifecycle position. Success and Failure are
// terminal: they fire their callback once and are never re-entered.
type State int

const (
	StateLoading State = iota
	StateReady
	StateVerifying
	StateSuccess
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateVerifying:
		return "verifying"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Failure reasons surfaced to the user. Each carries a recovery action
// except hard locks, which require fresh authentication.
const (
	ReasonTimeExpired   = "Time expired"
	ReasonMultipleFaces = "multiple faces detected"
)

// Verifier is the slice of the scoring collaborator the machine needs.
type Verifier interface {
	RequestChallenge(ctx context.Context) (scoring.Challenge, error)
	VerifyChallenge(ctx context.Context, req scoring.VerifyRequest) (scoring.VerifyResult, error)
}

// Callbacks are invoked on terminal transitions. Nil callbacks are allowed.
type Callbacks struct {
	OnSuccess func()
	OnFailure func(reason string)
}

// Config holds the machine's timing knobs.
type Config struct {
	// EvalInterval is the per-tick detection cadence in Ready.
	EvalInterval time.Duration
	// MinResponseDelay suppresses checks right after issuance to prevent
	// trivial pre-recorded passes.
	MinResponseDelay time.Duration
	// ReverifyInterval debounces duplicate detection triggers.
	ReverifyInterval time.Duration
	// ExtractAttempts bounds embedding extraction retries in Verifying.
	ExtractAttempts int
	// ExtractDelay is the fixed inter-attempt delay.
	ExtractDelay time.Duration
}

// DefaultConfig returns the production timing parameters.
func DefaultConfig() Config {
	return Config{
		EvalInterval:     200 * time.Millisecond,
		MinResponseDelay: 600 * time.Millisecond,
		ReverifyInterval: 800 * time.Millisecond,
		ExtractAttempts:  4,
		ExtractDelay:     200 * time.Millisecond,
	}
}

// Machine is the liveness challenge state machine. It serializes its own
// transitions: an evaluation tick is skipped entirely while a prior
// verification's async work is unresolved.
type Machine struct {
	source   vision.Source
	detector vision.Detector
	verifier Verifier
	cfg      Config
	cb       Callbacks
	log      *structlog.Logger
	now      func() time.Time

	inFlight   atomic.Bool // verification in progress
	requesting atomic.Bool // challenge issuance in progress

	mu          sync.Mutex
	state       State
	challenge   scoring.Challenge
	remaining   int // countdown seconds
	lastAttempt time.Time
	failReason  string

	// Motion-consistency bookkeeping across Ready ticks.
	framesSeen     int
	framesWithFace int
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineLogger attaches a logger.
func WithMachineLogger(log *structlog.Logger) MachineOption {
	return func(m *Machine) { m.log = log }
}

// NewMachine creates a Machine in Loading.
func NewMachine(source vision.Source, detector vision.Detector, verifier Verifier, cfg Config, cb Callbacks, opts ...MachineOption) *Machine {
	m := &Machine{
		source:   source,
		detector: detector,
		verifier: verifier,
		cfg:      cfg,
		cb:       cb,
		log:      structlog.Nop(),
		now:      time.Now,
		state:    StateLoading,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Challenge returns the tracked challenge, if one has been issued.
func (m *Machine) Challenge() (scoring.Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenge, m.challenge.ID != ""
}

// Remaining returns the countdown seconds left.
func (m *Machine) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// FailureReason returns the reason recorded on entering Failure.
func (m *Machine) FailureReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failReason
}

// Fail forces an immediate, non-retryable Failure. Used for camera
// permission denial and model load failure, which the machine cannot
// recover from on its own.
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	if m.terminalLocked() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.fail(reason)
}

// Run drives the evaluation tick and the one-second countdown until the
// machine reaches a terminal state or ctx is cancelled. Detection and
// verification never block the tick loop; their async completions are
// handled on later ticks.
func (m *Machine) Run(ctx context.Context) {
	eval := time.NewTicker(m.cfg.EvalInterval)
	defer eval.Stop()
	countdown := time.NewTicker(time.Second)
	defer countdown.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-eval.C:
			m.evaluate(ctx)
		case <-countdown.C:
			m.countdownTick()
		}
		if m.Terminal() {
			return
		}
	}
}

// Terminal reports whether the machine reached Success or Failure.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalLocked()
}

func (m *Machine) terminalLocked() bool {
	return m.state == StateSuccess || m.state == StateFailure
}

// evaluate runs one tick: readiness progression in Loading, detection-rule
// checks in Ready. Skipped entirely while verification is in flight.
func (m *Machine) evaluate(ctx context.Context) {
	if m.inFlight.Load() {
		return
	}

	m.mu.Lock()
	state := m.state
	ch := m.challenge
	last := m.lastAttempt
	m.mu.Unlock()

	switch state {
	case StateLoading:
		m.progressLoading(ctx)
	case StateReady:
		now := m.now()
		if now.Sub(ch.IssuedAt) < m.cfg.MinResponseDelay {
			return
		}
		if !last.IsZero() && now.Sub(last) < m.cfg.ReverifyInterval {
			return
		}
		m.checkFrame(ctx, ch)
	}
}

// progressLoading transitions Loading → Ready once models and source are
// ready and a challenge has been issued.
func (m *Machine) progressLoading(ctx context.Context) {
	if !m.detector.ModelsReady() || m.source == nil || !m.source.Ready() {
		return
	}
	m.mu.Lock()
	have := m.challenge.ID != ""
	m.mu.Unlock()
	if have {
		m.mu.Lock()
		if m.state == StateLoading {
			m.state = StateReady
			m.remaining = m.challenge.TimeLimit
		}
		m.mu.Unlock()
		return
	}
	if !m.requesting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.requesting.Store(false)
		ch, err := m.verifier.RequestChallenge(ctx)
		if err != nil {
			// Transient; the next Loading tick retries.
			m.log.Warn("challenge issuance failed", structlog.Fields{"error": err.Error()})
			return
		}
		m.mu.Lock()
		if m.state == StateLoading && m.challenge.ID == "" {
			m.challenge = ch
		}
		m.mu.Unlock()
	}()
}

// checkFrame evaluates the live frame against the issued challenge's rule.
func (m *Machine) checkFrame(ctx context.Context, ch scoring.Challenge) {
	faces, err := m.detector.DetectFaces(ctx)

	m.mu.Lock()
	m.framesSeen++
	if err == nil && len(faces) > 0 {
		m.framesWithFace++
	}
	m.mu.Unlock()

	if err != nil || len(faces) == 0 {
		return // retryable within the time budget
	}

	face := faces[0]
	if !ruleSatisfied(ch.Type, face) {
		return
	}

	m.mu.Lock()
	m.lastAttempt = m.now()
	m.mu.Unlock()

	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	m.setState(StateVerifying)
	go func() {
		defer m.inFlight.Store(false)
		m.runVerification(ctx, ch, face)
	}()
}

// runVerification performs the Verifying stage: single-face re-check,
// bounded embedding extraction, and collaborator adjudication.
func (m *Machine) runVerification(ctx context.Context, ch scoring.Challenge, face vision.Face) {
	faces, err := m.detector.DetectFaces(ctx)
	if err == nil && len(faces) > 1 {
		m.fail(ReasonMultipleFaces)
		return
	}
	if err != nil || len(faces) == 0 {
		m.retryOrFail("Face lost during verification")
		return
	}

	embedding, err := m.extractWithRetries(ctx)
	if err != nil {
		m.retryOrFail("Could not capture face, please try again")
		return
	}

	elapsed := m.now().Sub(ch.IssuedAt).Seconds()
	timingValid := elapsed >= 0.5 && elapsed <= float64(ch.TimeLimit)

	m.mu.Lock()
	consistency := 1.0
	if m.framesSeen > 0 {
		consistency = float64(m.framesWithFace) / float64(m.framesSeen)
	}
	m.mu.Unlock()

	req := scoring.VerifyRequest{
		ChallengeID:     ch.ID,
		ChallengeType:   ch.Type,
		ChallengeResult: true,
		TimingSeconds:   elapsed,
		LivenessScore:   livenessScore(true, consistency, face.Score, timingValid),
		FaceEmbedding:   embedding,
	}
	res, err := m.verifier.VerifyChallenge(ctx, req)
	if err != nil {
		// Transport failure fails this attempt only; re-issuance is
		// possible while time remains.
		m.log.Warn("challenge verification failed", structlog.Fields{"error": err.Error()})
		m.retryOrFail("Verification unavailable, please try again")
		return
	}

	if res.ChallengeID != "" && res.ChallengeID != m.trackedChallengeID() {
		// Replay of a stale challenge's result: discard, no transition.
		m.log.SecurityEvent("challenge id mismatch", structlog.Fields{
			"expected": m.trackedChallengeID(),
			"got":      res.ChallengeID,
		})
		m.setState(StateReady)
		return
	}

	if res.Verdict == scoring.VerdictPass {
		m.succeed()
		return
	}
	m.retryOrFail(res.Message)
}

func (m *Machine) trackedChallengeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenge.ID
}

// extractWithRetries attempts embedding extraction a bounded number of
// times with a fixed inter-attempt delay.
func (m *Machine) extractWithRetries(ctx context.Context) ([]float64, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.ExtractAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.ExtractDelay):
			}
		}
		emb, err := m.detector.ExtractEmbedding(ctx)
		if err == nil && len(emb) == vision.EmbeddingDim {
			return emb, nil
		}
		if err == nil {
			lastErr = errDimension(len(emb))
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

// countdownTick decrements the time budget once per second; expiry while
// still in Ready is a Failure.
func (m *Machine) countdownTick() {
	m.mu.Lock()
	if m.state != StateReady && m.state != StateVerifying {
		m.mu.Unlock()
		return
	}
	if m.remaining > 0 {
		m.remaining--
	}
	expired := m.remaining <= 0 && m.state == StateReady
	m.mu.Unlock()

	if expired {
		m.fail(ReasonTimeExpired)
	}
}

// retryOrFail returns to Ready for another attempt while time remains,
// otherwise fails with the given reason.
func (m *Machine) retryOrFail(reason string) {
	m.mu.Lock()
	expired := m.remaining <= 0
	m.mu.Unlock()
	if expired {
		m.fail(reason)
		return
	}
	m.setState(StateReady)
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	if !m.terminalLocked() {
		m.state = s
	}
	m.mu.Unlock()
}

func (m *Machine) succeed() {
	m.mu.Lock()
	if m.terminalLocked() {
		m.mu.Unlock()
		return
	}
	m.state = StateSuccess
	cb := m.cb.OnSuccess
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *Machine) fail(reason string) {
	m.mu.Lock()
	if m.terminalLocked() {
		m.mu.Unlock()
		return
	}
	m.state = StateFailure
	m.failReason = reason
	cb := m.cb.OnFailure
	m.mu.Unlock()
	m.log.SecurityEvent("liveness challenge failed", structlog.Fields{"reason": reason})
	if cb != nil {
		cb(reason)
	}
}

type errDimension int

func (e errDimension) Error() string {
	return "embedding has unexpected dimensionality"
}
