package main

import (
	"context"
	"math"
	"sync"

	"vigil/pkg/scoring"
	"vigil/pkg/vision"
)

// syntheticCamera is a stand-in Source/Detector for running the engine
// without real camera hardware. It always shows one face and can be posed
// to satisfy any liveness challenge.
type syntheticCamera struct {
	mu        sync.Mutex
	closed    bool
	face      vision.Face
	embedding []float64
}

func newSyntheticCamera() *syntheticCamera {
	emb := make([]float64, vision.EmbeddingDim)
	for i := range emb {
		emb[i] = math.Sin(float64(i)) * 0.01
	}
	return &syntheticCamera{face: neutralFace(), embedding: emb}
}

func neutralFace() vision.Face {
	return vision.Face{
		Box:   vision.Rect{X: 100, Y: 100, Width: 200, Height: 240},
		Score: 0.98,
		Expressions: vision.Expressions{
			Neutral: 0.9,
			Happy:   0.05,
		},
		Landmarks: vision.Landmarks{
			NoseTip:    vision.Point{X: 200, Y: 220},
			JawOutline: []vision.Point{{X: 110, Y: 250}, {X: 290, Y: 250}},
		},
	}
}

func (c *syntheticCamera) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *syntheticCamera) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *syntheticCamera) ModelsReady() bool { return true }

func (c *syntheticCamera) DetectFaces(ctx context.Context) ([]vision.Face, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil
	}
	return []vision.Face{c.face}, nil
}

func (c *syntheticCamera) ExtractEmbedding(ctx context.Context) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.embedding...), nil
}

// pose shapes the synthetic face so it performs the given challenge. The
// jaw midpoint sits at x=200 with face width 200, so a ±40 nose offset
// yields a ±0.2 displacement ratio.
func (c *syntheticCamera) pose(challengeType string) {
	face := neutralFace()
	switch challengeType {
	case scoring.ChallengeSmile:
		face.Expressions.Happy = 0.95
		face.Expressions.Neutral = 0.4
	case scoring.ChallengeRaiseEyebrows:
		face.Expressions.Surprised = 0.9
		face.Expressions.Neutral = 0.5
	case scoring.ChallengeBlink:
		face.Expressions.Neutral = 0.1
	case scoring.ChallengeTurnLeft:
		face.Landmarks.NoseTip.X += 40
	case scoring.ChallengeTurnRight:
		face.Landmarks.NoseTip.X -= 40
	}

	c.mu.Lock()
	c.face = face
	c.mu.Unlock()
}

func (c *syntheticCamera) relax() {
	c.mu.Lock()
	c.face = neutralFace()
	c.mu.Unlock()
}
