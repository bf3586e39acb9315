package behavior

import (
	"math"
	"testing"
	"time"
)

func sampleAt(x, y float64, ms int) Sample {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return Sample{X: x, Y: y, At: base.Add(time.Duration(ms) * time.Millisecond)}
}

// Fewer than 10 samples must default both metrics to 1.0 (assume human).
func TestMetricsSparseBufferDefaults(t *testing.T) {
	a := NewAnalyzer()
	for i := 0; i < 9; i++ {
		a.Record(sampleAt(float64(i*7), float64(i*3), i*50))
	}
	m := a.Metrics()
	if m.Entropy != 1.0 || m.VelocityVariance != 1.0 {
		t.Fatalf("sparse buffer should default to 1.0/1.0, got %v/%v", m.Entropy, m.VelocityVariance)
	}
	if m.SampleCount != 9 {
		t.Fatalf("sample count = %d, want 9", m.SampleCount)
	}
}

// A straight line at constant speed concentrates all displacement vectors in
// one bin (entropy 0) and has zero speed variance.
func TestMetricsStraightLineConstantSpeed(t *testing.T) {
	a := NewAnalyzer()
	for i := 0; i < 30; i++ {
		a.Record(sampleAt(float64(i*10), 0, i*100))
	}
	m := a.Metrics()
	if m.Entropy != 0 {
		t.Fatalf("straight line entropy = %v, want 0", m.Entropy)
	}
	if m.VelocityVariance != 0 {
		t.Fatalf("constant speed variance = %v, want 0", m.VelocityVariance)
	}
}

// Erratic human-like movement should produce high entropy.
func TestMetricsErraticMovementHighEntropy(t *testing.T) {
	a := NewAnalyzer()
	dirs := [][2]float64{{10, 0}, {7, 7}, {0, 10}, {-7, 7}, {-10, 0}, {-7, -7}, {0, -10}, {7, -7}}
	x, y := 0.0, 0.0
	for i := 0; i < 40; i++ {
		d := dirs[i%len(dirs)]
		x += d[0]
		y += d[1]
		a.Record(sampleAt(x, y, i*60))
	}
	m := a.Metrics()
	if m.Entropy < 0.95 {
		t.Fatalf("uniform 8-direction walk entropy = %v, want ~1.0", m.Entropy)
	}
}

// Zero-length displacements carry no direction and must be discarded.
func TestMetricsZeroDisplacementDiscarded(t *testing.T) {
	a := NewAnalyzer()
	for i := 0; i < 15; i++ {
		a.Record(sampleAt(5, 5, i*40)) // pointer held still
	}
	m := a.Metrics()
	// No usable direction vectors at all: stays at the sparse-data default.
	if m.Entropy != 1.0 {
		t.Fatalf("all-zero displacement entropy = %v, want 1.0", m.Entropy)
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	a := NewAnalyzer()
	for i := 0; i < BufferCapacity+25; i++ {
		a.Record(sampleAt(float64(i), 0, i*10))
	}
	m := a.Metrics()
	if m.SampleCount != BufferCapacity {
		t.Fatalf("sample count = %d, want %d", m.SampleCount, BufferCapacity)
	}
}

func TestResetClearsBuffer(t *testing.T) {
	a := NewAnalyzer()
	for i := 0; i < 20; i++ {
		a.Record(sampleAt(float64(i), float64(i), i*10))
	}
	a.Reset()
	m := a.Metrics()
	if m.SampleCount != 0 || m.Entropy != 1.0 || m.VelocityVariance != 1.0 {
		t.Fatalf("reset buffer metrics = %+v", m)
	}
}

func TestMetricsStayNormalized(t *testing.T) {
	a := NewAnalyzer()
	// Wildly varying speeds to push raw variance past the cap.
	for i := 0; i < 50; i++ {
		step := 1.0
		if i%2 == 0 {
			step = 400.0
		}
		a.Record(sampleAt(float64(i)*step, float64(i%5)*step, i*16))
	}
	m := a.Metrics()
	if m.VelocityVariance < 0 || m.VelocityVariance > 1 {
		t.Fatalf("velocity variance out of range: %v", m.VelocityVariance)
	}
	if math.IsNaN(m.Entropy) || m.Entropy < 0 || m.Entropy > 1 {
		t.Fatalf("entropy out of range: %v", m.Entropy)
	}
}
