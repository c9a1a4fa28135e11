package identity

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, dim int, similarity, clustering float64) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dim = dim
	cfg.SimilarityThreshold = similarity
	cfg.ClusteringThreshold = clustering
	cfg.Workers = 2
	n := 0
	cfg.NewPersonID = func() string {
		n++
		return fmt.Sprintf("uid-%d", n)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e
}

// basis returns the i-th standard basis vector of the given dimension.
func basis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

// rotate returns cos(angle)*a + sin(angle)*b for orthonormal a and b.
func rotate(a, b []float32, angle float64) []float32 {
	out := make([]float32, len(a))
	c, s := math.Cos(angle), math.Sin(angle)
	for i := range a {
		out[i] = float32(c*float64(a[i]) + s*float64(b[i]))
	}
	return out
}

// withSimilarity returns a unit vector whose cosine similarity to a is sim,
// moving towards the orthonormal direction b.
func withSimilarity(a, b []float32, sim float64) []float32 {
	return rotate(a, b, math.Acos(sim))
}

func randomUnit(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var sum float64
	for i := range v {
		x := rng.NormFloat64()
		v[i] = float32(x)
		sum += x * x
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}

// jitter perturbs v by gaussian noise of the given scale.
func jitter(rng *rand.Rand, v []float32, scale float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x + float32(rng.NormFloat64()*scale)
	}
	return out
}

func detection(video string, frame int, conf float64, emb []float32) RawDetection {
	return RawDetection{
		VideoID:    video,
		FrameIndex: frame,
		Timestamp:  baseTime.Add(time.Duration(frame) * time.Second),
		BBox:       BBox{X1: 0, Y1: 0, X2: 100, Y2: 100},
		Confidence: conf,
		Embedding:  emb,
	}
}

func videoIdentity(id, video string, emb []float32) VideoIdentity {
	return VideoIdentity{
		ID:              id,
		VideoID:         video,
		Embedding:       emb,
		AppearanceCount: 1,
		FirstSeen:       baseTime,
		LastSeen:        baseTime,
		BestConfidence:  0.9,
	}
}
