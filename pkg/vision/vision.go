// Package vision defines the contract between the live video source, the
// face detector and the engine components that consume them. The engine
// never touches raw frames directly; detectors return observations and
// embeddings, and the frame itself is discarded by the implementation
// immediately after extraction.
package vision

import "context"

// EmbeddingDim is the fixed dimensionality of face embeddings. Every
// embedding crossing a package boundary must have exactly this length.
const EmbeddingDim = 128

// Point is a 2D landmark position in frame coordinates.
type Point struct {
	X float64
	Y float64
}

// Rect is a face bounding box in frame coordinates.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Expressions holds per-expression confidence scores in [0,1].
type Expressions struct {
	Neutral   float64
	Happy     float64
	Surprised float64
}

// Landmarks carries the facial landmarks the liveness rules evaluate.
// JawOutline is ordered left to right along the jaw.
type Landmarks struct {
	NoseTip    Point
	JawOutline []Point
}

// Face is a single detected face within one observation.
type Face struct {
	Box         Rect
	Score       float64 // detection confidence in [0,1]
	Expressions Expressions
	Landmarks   Landmarks
}

// Source is a live video source (camera). Implementations own the underlying
// device; Close must release it synchronously so engine teardown never leaves
// the camera held.
type Source interface {
	// Ready reports whether frames can currently be read.
	Ready() bool
	Close() error
}

// Detector performs face detection and embedding extraction against a
// Source. Consumers each issue their own calls rather than sharing
// intermediate results, so a stall in one consumer cannot corrupt another.
type Detector interface {
	// ModelsReady reports whether the detection models are loaded.
	ModelsReady() bool
	// DetectFaces returns all faces visible in the current frame.
	DetectFaces(ctx context.Context) ([]Face, error)
	// ExtractEmbedding computes the EmbeddingDim-length descriptor of the
	// dominant face, or an error if no face is usable.
	ExtractEmbedding(ctx context.Context) ([]float64, error)
}

// JawMidpoint returns the midpoint of the jaw outline, averaging the first
// and last outline points. ok is false when the outline is too short.
func (l Landmarks) JawMidpoint() (Point, bool) {
	n := len(l.JawOutline)
	if n < 2 {
		return Point{}, false
	}
	a, b := l.JawOutline[0], l.JawOutline[n-1]
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}, true
}
