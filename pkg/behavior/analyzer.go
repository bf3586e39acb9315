// Package behavior turns raw pointer-movement samples into the two
// normalized behavioral signals the heartbeat reports: direction entropy and
// velocity variance. Low entropy means repetitive, scripted movement; low
// variance means unnaturally constant speed. Both are strong bot indicators.
//
// Samples are ephemeral: they live only in a bounded in-memory ring buffer
// and are never persisted or exported raw.
package behavior

import (
	"math"
	"sync"
	"time"
)

const (
	// BufferCapacity bounds the sample ring buffer; the oldest sample is
	// evicted first.
	BufferCapacity = 100

	// minUsableSamples is the floor below which both metrics default to 1.0.
	// Sparse data is assumed human: availability over false positives.
	minUsableSamples = 10

	directionBins = 8

	// maxVariance caps raw speed variance before normalizing to [0,1].
	maxVariance = 2.0
)

// Sample is one point-in-time pointer position.
type Sample struct {
	X  float64
	Y  float64
	At time.Time
}

// Metrics is the derived behavioral snapshot, recomputed on demand.
type Metrics struct {
	Entropy          float64 `json:"mouse_entropy"`
	VelocityVariance float64 `json:"mouse_velocity_variance"`
	SampleCount      int     `json:"sample_count"`
}

// Analyzer accumulates movement samples and computes Metrics without
// mutating its state. Safe for concurrent use.
type Analyzer struct {
	mu    sync.Mutex
	buf   [BufferCapacity]Sample
	start int
	size  int
}

// NewAnalyzer returns an empty Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Record appends a movement sample, evicting the oldest when full.
func (a *Analyzer) Record(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size < BufferCapacity {
		a.buf[(a.start+a.size)%BufferCapacity] = s
		a.size++
		return
	}
	a.buf[a.start] = s
	a.start = (a.start + 1) % BufferCapacity
}

// Reset clears the buffer.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.start, a.size = 0, 0
}

// Metrics computes the current behavioral signals from the buffered samples.
// It has no side effects; the buffer is left untouched.
func (a *Analyzer) Metrics() Metrics {
	a.mu.Lock()
	samples := make([]Sample, a.size)
	for i := 0; i < a.size; i++ {
		samples[i] = a.buf[(a.start+i)%BufferCapacity]
	}
	a.mu.Unlock()

	m := Metrics{Entropy: 1.0, VelocityVariance: 1.0, SampleCount: len(samples)}
	if len(samples) < minUsableSamples {
		return m
	}
	m.Entropy = directionEntropy(samples)
	m.VelocityVariance = velocityVariance(samples)
	return m
}

// directionEntropy quantizes each consecutive displacement vector into one of
// 8 equal angle bins and returns the Shannon entropy of the bin-frequency
// distribution normalized by log2(8). Zero-length displacements carry no
// direction and are discarded.
func directionEntropy(samples []Sample) float64 {
	var bins [directionBins]int
	total := 0
	for i := 1; i < len(samples); i++ {
		dx := samples[i].X - samples[i-1].X
		dy := samples[i].Y - samples[i-1].Y
		if dx == 0 && dy == 0 {
			continue
		}
		angle := math.Atan2(dy, dx) * 180 / math.Pi // [-180,180]
		bin := int(math.Floor((angle+180)/45.0)) % directionBins
		if bin < 0 {
			bin += directionBins
		}
		bins[bin]++
		total++
	}
	if total == 0 {
		return 1.0
	}
	entropy := 0.0
	for _, c := range bins {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy / 3.0 // log2(8)
}

// velocityVariance computes the population variance of instantaneous speeds
// (pixels per millisecond) between consecutive samples, capped at
// maxVariance and scaled to [0,1].
func velocityVariance(samples []Sample) float64 {
	speeds := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		dt := samples[i].At.Sub(samples[i-1].At).Seconds() * 1000
		if dt <= 0 {
			continue
		}
		dx := samples[i].X - samples[i-1].X
		dy := samples[i].Y - samples[i-1].Y
		speeds = append(speeds, math.Hypot(dx, dy)/dt)
	}
	if len(speeds) == 0 {
		return 1.0
	}
	mean := 0.0
	for _, s := range speeds {
		mean += s
	}
	mean /= float64(len(speeds))
	variance := 0.0
	for _, s := range speeds {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(speeds))
	if variance > maxVariance {
		variance = maxVariance
	}
	return variance / maxVariance
}
