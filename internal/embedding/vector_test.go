package embedding

import (
	"errors"
	"math"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		v       []float32
		dim     int
		wantErr error
	}{
		{name: "valid", v: []float32{1, 0, 0}, dim: 3},
		{name: "dim check skipped", v: []float32{1, 0}, dim: 0},
		{name: "empty", v: nil, dim: 3, wantErr: ErrEmpty},
		{name: "wrong dimension", v: []float32{1, 0}, dim: 3, wantErr: ErrDimensionMismatch},
		{name: "nan", v: []float32{1, float32(math.NaN()), 0}, dim: 3, wantErr: ErrNonFinite},
		{name: "inf", v: []float32{float32(math.Inf(1)), 0, 0}, dim: 3, wantErr: ErrNonFinite},
		{name: "zero vector", v: []float32{0, 0, 0}, dim: 3, wantErr: ErrZeroNorm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.v, tt.dim)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	in := []float32{3, 4}
	out, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if math.Abs(Norm(out)-1) > 1e-6 {
		t.Errorf("Normalize() norm = %v, want 1", Norm(out))
	}
	if in[0] != 3 || in[1] != 4 {
		t.Errorf("Normalize() modified its input: %v", in)
	}

	if _, err := Normalize([]float32{0, 0}); !errors.Is(err, ErrZeroNorm) {
		t.Errorf("Normalize(zero) error = %v, want ErrZeroNorm", err)
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
		wantErr  error
	}{
		{name: "identical", a: []float32{1, 0}, b: []float32{2, 0}, expected: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 5}, expected: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, expected: -1},
		{name: "45 degrees", a: []float32{1, 0}, b: []float32{1, 1}, expected: math.Sqrt2 / 2},
		{name: "dimension mismatch", a: []float32{1, 0}, b: []float32{1, 0, 0}, wantErr: ErrDimensionMismatch},
		{name: "zero norm", a: []float32{0, 0}, b: []float32{1, 0}, wantErr: ErrZeroNorm},
		{name: "empty", a: nil, b: []float32{1}, wantErr: ErrEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Similarity(tt.a, tt.b)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Similarity() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Similarity() unexpected error: %v", err)
			}
			if math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("Similarity() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDotClampsDrift(t *testing.T) {
	// Slightly over-unit vectors push the raw inner product above 1.
	a := []float32{1.0000001, 0}
	if got := Dot(a, a); got > 1 {
		t.Errorf("Dot() = %v, want <= 1", got)
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		sim  float64
		want float64
	}{
		{1, 0},
		{0, 1},
		{-1, 2},
		{1.0000002, 0},
		{-1.0000002, 2},
	}
	for _, tt := range tests {
		if got := Distance(tt.sim); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Distance(%v) = %v, want %v", tt.sim, got, tt.want)
		}
	}
}

func TestCosineDistanceInvalidInput(t *testing.T) {
	if got := CosineDistance([]float32{1, 0}, []float32{1}); got != 2 {
		t.Errorf("CosineDistance(mismatch) = %v, want 2", got)
	}
	if got := CosineDistance([]float32{0, 0}, []float32{1, 0}); got != 2 {
		t.Errorf("CosineDistance(zero) = %v, want 2", got)
	}
}

func TestMean(t *testing.T) {
	mean, err := Mean([][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("Mean() error: %v", err)
	}
	want := float32(math.Sqrt2 / 2)
	if math.Abs(float64(mean[0]-want)) > 1e-6 || math.Abs(float64(mean[1]-want)) > 1e-6 {
		t.Errorf("Mean() = %v, want [%v %v]", mean, want, want)
	}

	if _, err := Mean(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("Mean(nil) error = %v, want ErrEmpty", err)
	}
	if _, err := Mean([][]float32{{1, 0}, {1}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Mean(mismatch) error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := Mean([][]float32{{1, 0}, {-1, 0}}); !errors.Is(err, ErrZeroNorm) {
		t.Errorf("Mean(cancelling) error = %v, want ErrZeroNorm", err)
	}
}

func TestAtLeast_Float32Boundary(t *testing.T) {
	// A float32 pair built at cosine 0.90 computes just below 0.90.
	angle := math.Acos(0.90)
	a, err := Normalize([]float32{1, 0})
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	b, err := Normalize([]float32{float32(math.Cos(angle)), float32(math.Sin(angle))})
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	sim := Dot(a, b)

	tests := []struct {
		name      string
		sim       float64
		threshold float64
		want      bool
	}{
		{"rounded pair at threshold", sim, 0.90, true},
		{"exact", 0.90, 0.90, true},
		{"above", 0.95, 0.90, true},
		{"clearly below", 0.899, 0.90, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AtLeast(tt.sim, tt.threshold); got != tt.want {
				t.Errorf("AtLeast(%v, %v) = %v, want %v", tt.sim, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestMaxDistance(t *testing.T) {
	if got := MaxDistance(0.90); math.Abs(got-(0.10+Tolerance)) > 1e-12 {
		t.Errorf("MaxDistance(0.90) = %v, want %v", got, 0.10+Tolerance)
	}
}
