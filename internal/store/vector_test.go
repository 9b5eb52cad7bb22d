package store

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	sim := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0})
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("expected ~1.0 for identical vectors, got %f", sim)
	}

	sim = CosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	if math.Abs(sim) > 1e-6 {
		t.Errorf("expected ~0.0 for orthogonal vectors, got %f", sim)
	}

	sim = CosineSimilarity([]float32{1, 0, 0}, []float32{-1, 0, 0})
	if math.Abs(sim+1.0) > 1e-6 {
		t.Errorf("expected ~-1.0 for opposite vectors, got %f", sim)
	}

	if CosineSimilarity([]float32{}, []float32{}) != 0 {
		t.Error("expected 0 for empty vectors")
	}
	if CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}) != 0 {
		t.Error("expected 0 for mismatched dimensions")
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	original := []float32{1.5, -2.3, 0, 100.0}
	decoded := decodeFloat32s(encodeFloat32s(original))

	if len(decoded) != len(original) {
		t.Fatalf("expected %d elements, got %d", len(original), len(decoded))
	}
	for i := range original {
		if original[i] != decoded[i] {
			t.Errorf("mismatch at %d: %f != %f", i, original[i], decoded[i])
		}
	}

	if decodeFloat32s([]byte{1, 2, 3}) != nil {
		t.Error("expected nil for truncated blob")
	}
}

func TestContentHashNormalizesWhitespace(t *testing.T) {
	a := ContentHash("prefer  table driven\ttests")
	b := ContentHash("prefer table driven tests")
	if a != b {
		t.Error("expected whitespace-insensitive hashes to match")
	}
	if ContentHash("one fact") == ContentHash("another fact") {
		t.Error("expected different content to hash differently")
	}
}

func TestStateTransitions(t *testing.T) {
	if !StateActive.CanTransitionTo(StateDeleted) {
		t.Error("active → deleted must be allowed")
	}
	if StateDeleted.CanTransitionTo(StateActive) {
		t.Error("deleted → active must be forbidden")
	}
	if StateDeleted.CanTransitionTo(StateDeleted) {
		t.Error("deleted → deleted must be a no-op, not a transition")
	}
}
