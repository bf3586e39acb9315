// Package capture periodically extracts a face embedding from the live video
// source and exposes the most recent one behind a freshness window. The raw
// frame never leaves the detector; only the fixed-length descriptor is kept.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vigil/pkg/structlog"
	"vigil/pkg/vision"
)

// Typed capture failures. Resource-not-ready conditions are transient; the
// caller simply tries again on the next period.
var (
	ErrSourceNotReady = errors.New("video source not ready")
	ErrModelsNotReady = errors.New("detection models not ready")
	ErrNoFace         = errors.New("no face detected")
)

const (
	// DefaultFreshnessWindow is the maximum age at which an embedding is
	// still usable; older ones are treated as absent.
	DefaultFreshnessWindow = 8 * time.Second

	// DefaultInterval is the extraction period. It is deliberately
	// independent of the heartbeat period: embedding freshness and report
	// cadence are separate concerns.
	DefaultInterval = 4 * time.Second
)

// Pipeline owns the latest captured embedding and its capture time.
type Pipeline struct {
	source   vision.Source
	detector vision.Detector
	interval time.Duration
	log      *structlog.Logger

	busy atomic.Bool // one extraction at a time; late ticks no-op

	mu         sync.Mutex
	embedding  []float64
	capturedAt time.Time

	now func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithInterval overrides the extraction period.
func WithInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// WithLogger attaches a logger.
func WithLogger(log *structlog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline creates a Pipeline reading from source via detector.
func NewPipeline(source vision.Source, detector vision.Detector, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:   source,
		detector: detector,
		interval: DefaultInterval,
		log:      structlog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CaptureIfReady attempts one extraction. It returns a typed failure when
// the source or models are not ready or no face is visible; on success the
// embedding is stamped with the capture time and retained.
func (p *Pipeline) CaptureIfReady(ctx context.Context) ([]float64, error) {
	if !p.busy.CompareAndSwap(false, true) {
		// A prior extraction is still in flight; treat as not ready
		// rather than stacking detector calls.
		return nil, ErrSourceNotReady
	}
	defer p.busy.Store(false)

	if p.source == nil || !p.source.Ready() {
		return nil, ErrSourceNotReady
	}
	if !p.detector.ModelsReady() {
		return nil, ErrModelsNotReady
	}

	emb, err := p.detector.ExtractEmbedding(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFace, err)
	}
	if len(emb) != vision.EmbeddingDim {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrNoFace, len(emb), vision.EmbeddingDim)
	}

	p.mu.Lock()
	p.embedding = emb
	p.capturedAt = p.now()
	p.mu.Unlock()
	return emb, nil
}

// Latest returns the captured embedding only while it is younger than
// maxAge; otherwise nil. A nil result means "no usable face descriptor".
func (p *Pipeline) Latest(maxAge time.Duration) []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.embedding == nil || p.now().Sub(p.capturedAt) > maxAge {
		return nil
	}
	return p.embedding
}

// Run drives extraction on the pipeline's fixed period until ctx is
// cancelled. Not-ready conditions are silent no-ops; only unexpected
// failures are logged.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.CaptureIfReady(ctx); err != nil {
				if errors.Is(err, ErrSourceNotReady) || errors.Is(err, ErrModelsNotReady) {
					continue
				}
				p.log.Debug("capture failed", structlog.Fields{"error": err.Error()})
			}
		}
	}
}
