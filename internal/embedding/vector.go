// Package embedding provides the vector primitives shared by the identity engine:
// validation, L2 normalisation, cosine similarity and centroid aggregation.
//
// All comparisons assume unit-norm vectors, so cosine similarity reduces to an
// inner product. Callers normalise once and compare many times.
package embedding

import (
	"errors"
	"fmt"
	"math"
)

// MinNorm is the smallest L2 norm accepted before a vector is considered degenerate.
const MinNorm = 1e-9

// Tolerance absorbs float32 rounding when a similarity is compared with a
// threshold, so a pair built at exactly the threshold still qualifies.
const Tolerance = 1e-6

var (
	ErrEmpty             = errors.New("embedding is empty")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrNonFinite         = errors.New("embedding contains non-finite value")
	ErrZeroNorm          = errors.New("embedding has near-zero norm")
)

// Validate checks that v has exactly dim finite components and a usable norm.
// A dim of zero skips the dimension check.
func Validate(v []float32, dim int) error {
	if len(v) == 0 {
		return ErrEmpty
	}
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	var sum float64
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w at component %d", ErrNonFinite, i)
		}
		sum += f * f
	}
	if math.Sqrt(sum) < MinNorm {
		return ErrZeroNorm
	}
	return nil
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. The input is never modified.
func Normalize(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, ErrEmpty
	}
	n := Norm(v)
	if n < MinNorm || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, ErrZeroNorm
	}
	out := make([]float32, len(v))
	scale := 1.0 / n
	for i, x := range v {
		out[i] = float32(float64(x) * scale)
	}
	return out, nil
}

// Dot returns the inner product of two unit vectors clamped to [-1, 1].
// The vectors must already be normalised and of equal length.
func Dot(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return clampSimilarity(dot)
}

// Similarity computes the cosine similarity of two arbitrary vectors.
// Mismatched dimensions and near-zero norms are reported as errors rather than
// producing a meaningless score.
func Similarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmpty
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if math.Sqrt(normA) < MinNorm || math.Sqrt(normB) < MinNorm {
		return 0, ErrZeroNorm
	}

	return clampSimilarity(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

// Distance converts a cosine similarity into a cosine distance in [0, 2].
func Distance(similarity float64) float64 {
	d := 1 - similarity
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}

// AtLeast reports whether similarity meets threshold within Tolerance.
func AtLeast(similarity, threshold float64) bool {
	return similarity >= threshold-Tolerance
}

// MaxDistance converts a similarity threshold into the largest cosine distance
// that still meets it, widened by Tolerance.
func MaxDistance(threshold float64) float64 {
	return Distance(threshold) + Tolerance
}

// CosineDistance computes the cosine distance between two vectors.
// Returns a value between 0 (identical) and 2 (opposite); invalid input yields 2.
func CosineDistance(a, b []float32) float64 {
	sim, err := Similarity(a, b)
	if err != nil {
		return 2.0
	}
	return Distance(sim)
}

// Mean returns the element-wise mean of vectors, re-normalised to unit length.
func Mean(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, ErrEmpty
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d components, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		for d, x := range v {
			sum[d] += float64(x)
		}
	}

	mean := make([]float32, dim)
	n := float64(len(vectors))
	for d := range sum {
		mean[d] = float32(sum[d] / n)
	}
	out, err := Normalize(mean)
	if err != nil {
		return nil, fmt.Errorf("normalizing mean: %w", err)
	}
	return out, nil
}

func clampSimilarity(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
