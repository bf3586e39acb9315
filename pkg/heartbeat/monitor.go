// Package heartbeat periodically bundles the session's passive signals
// (behavioral metrics, face presence, camera state, fresh embedding) into a
// report for the scoring collaborator and interprets the returned verdict.
//
// The monitor also keeps two local streak counters (consecutive no-face and
// multi-face ticks) that escalate to a challenge request before the remote
// score crosses its own threshold.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"vigil/pkg/behavior"
	"vigil/pkg/scoring"
	"vigil/pkg/structlog"
	"vigil/pkg/vision"
)

const (
	// DefaultInterval is the heartbeat period.
	DefaultInterval = 3 * time.Second

	// NoFaceEscalationStreak and MultiFaceEscalationStreak are the
	// consecutive-tick thresholds for local fast-path escalation.
	NoFaceEscalationStreak    = 5
	MultiFaceEscalationStreak = 3
)

// Escalation reasons raised locally, before any remote verdict.
const (
	ReasonNoFace        = "No face detected"
	ReasonMultipleFaces = "Multiple faces detected"
	ReasonSessionLocked = "Session locked"
)

// Scorer is the slice of the scoring collaborator the monitor needs.
type Scorer interface {
	SendHeartbeat(ctx context.Context, signals scoring.Signals) (scoring.Verdict, error)
}

// EmbeddingProvider supplies the freshest usable face embedding, or nil.
type EmbeddingProvider interface {
	Latest(maxAge time.Duration) []float64
}

// Callbacks deliver heartbeat outcomes to the orchestrator.
type Callbacks struct {
	// OnVerdict receives every accepted remote verdict.
	OnVerdict func(scoring.Verdict)
	// OnEscalate fires for local fast-path escalations and the
	// distinguished session-locked transport signal.
	OnEscalate func(reason string)
	// OnFaceMismatch fires when the verdict carries the face-mismatch
	// trigger; it drives an indicator distinct from the risk state.
	OnFaceMismatch func()
}

// Config holds the static session facts and timing of the monitor.
type Config struct {
	Interval          time.Duration
	DeviceFingerprint string
	IPAddress         string
	// EmbeddingMaxAge is the freshness window applied when attaching the
	// latest embedding to a report.
	EmbeddingMaxAge time.Duration
}

// DefaultConfig returns production heartbeat settings for a session.
func DefaultConfig(deviceFingerprint, ipAddress string) Config {
	return Config{
		Interval:          DefaultInterval,
		DeviceFingerprint: deviceFingerprint,
		IPAddress:         ipAddress,
		EmbeddingMaxAge:   8 * time.Second,
	}
}

// Monitor assembles and submits heartbeat reports on a fixed period.
type Monitor struct {
	cfg        Config
	source     vision.Source
	detector   vision.Detector
	analyzer   *behavior.Analyzer
	embeddings EmbeddingProvider
	scorer     Scorer
	cb         Callbacks
	log        *structlog.Logger

	busy atomic.Bool // overlapping ticks no-op instead of queuing

	mu              sync.Mutex
	noFaceStreak    int
	multiFaceStreak int
	captchaFailed   int
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger attaches a logger.
func WithMonitorLogger(log *structlog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

// NewMonitor wires a Monitor from its collaborators.
func NewMonitor(cfg Config, source vision.Source, detector vision.Detector, analyzer *behavior.Analyzer, embeddings EmbeddingProvider, scorer Scorer, cb Callbacks, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		source:     source,
		detector:   detector,
		analyzer:   analyzer,
		embeddings: embeddings,
		scorer:     scorer,
		cb:         cb,
		log:        structlog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NoteChallengeFailed records a failed liveness challenge; the count rides
// along on subsequent reports until a challenge succeeds.
func (m *Monitor) NoteChallengeFailed() {
	m.mu.Lock()
	m.captchaFailed++
	m.mu.Unlock()
}

// NoteChallengeSucceeded clears the failed-challenge count and both face
// streaks; a verified human just proved presence.
func (m *Monitor) NoteChallengeSucceeded() {
	m.mu.Lock()
	m.captchaFailed = 0
	m.noFaceStreak = 0
	m.multiFaceStreak = 0
	m.mu.Unlock()
}

// Streaks returns the current face streak counters.
func (m *Monitor) Streaks() (noFace, multiFace int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noFaceStreak, m.multiFaceStreak
}

// Run submits heartbeats on the fixed period until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce executes one heartbeat tick. A tick that cannot run (subsystems
// not ready, prior tick unresolved) silently no-ops; it is never queued.
func (m *Monitor) RunOnce(ctx context.Context) {
	if !m.busy.CompareAndSwap(false, true) {
		return
	}
	defer m.busy.Store(false)

	if !m.detector.ModelsReady() {
		return
	}
	cameraReady := m.source != nil && m.source.Ready()

	// Assemble the full payload before submission; no partial reports.
	signals := scoring.Signals{
		DeviceFingerprint: m.cfg.DeviceFingerprint,
		IPAddress:         m.cfg.IPAddress,
		CameraReady:       cameraReady,
	}
	signals.ApplyBehavior(m.analyzer.Metrics())

	if cameraReady {
		faces, err := m.detector.DetectFaces(ctx)
		if err != nil {
			signals.CameraBlocked = true
			m.resetStreaks()
		} else {
			present := len(faces) >= 1
			signals.FacePresent = &present
			signals.MultipleFaces = len(faces) > 1
			m.updateStreaks(present, signals.MultipleFaces)
		}
	} else {
		m.resetStreaks()
	}

	if emb := m.embeddings.Latest(m.cfg.EmbeddingMaxAge); emb != nil {
		signals.LiveFaceEmbedding = emb
	}

	m.mu.Lock()
	signals.FacialCaptchaFailed = m.captchaFailed
	noFace, multiFace := m.noFaceStreak, m.multiFaceStreak
	m.mu.Unlock()

	// Local fast-path escalation, independent of the remote verdict.
	if multiFace >= MultiFaceEscalationStreak {
		m.escalate(ReasonMultipleFaces)
	} else if noFace >= NoFaceEscalationStreak {
		m.escalate(ReasonNoFace)
	}

	verdict, err := m.scorer.SendHeartbeat(ctx, signals)
	if err != nil {
		if errors.Is(err, scoring.ErrSessionLocked) {
			m.escalate(ReasonSessionLocked)
			return
		}
		// Other transport failures: log and skip this tick. No retry
		// storm; the next tick reports fresh signals anyway.
		m.log.Warn("heartbeat skipped", structlog.Fields{"error": err.Error()})
		return
	}

	if verdict.HasTrigger(scoring.TriggerFaceMismatch) && m.cb.OnFaceMismatch != nil {
		m.cb.OnFaceMismatch()
	}
	if m.cb.OnVerdict != nil {
		m.cb.OnVerdict(verdict)
	}
}

func (m *Monitor) updateStreaks(present, multiple bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if present {
		m.noFaceStreak = 0
	} else {
		m.noFaceStreak++
	}
	if multiple {
		m.multiFaceStreak++
	} else {
		m.multiFaceStreak = 0
	}
}

func (m *Monitor) resetStreaks() {
	m.mu.Lock()
	m.noFaceStreak = 0
	m.multiFaceStreak = 0
	m.mu.Unlock()
}

func (m *Monitor) escalate(reason string) {
	m.log.SecurityEvent("local escalation", structlog.Fields{"reason": reason})
	if m.cb.OnEscalate != nil {
		m.cb.OnEscalate(reason)
	}
}
