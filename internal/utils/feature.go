package utils

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFeature packs a float vector into the little-endian byte layout engines exchange.
func EncodeFeature(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeFeature is the inverse of EncodeFeature.
func DecodeFeature(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid feature length %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped to [0, 1].
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, sumA, sumB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		sumA += float64(a[i]) * float64(a[i])
		sumB += float64(b[i]) * float64(b[i])
	}
	if sumA == 0 || sumB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return float32(sim)
}
