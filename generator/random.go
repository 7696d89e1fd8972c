package generator

import (
	"math"
	"math/rand"
)

// WeightedItem pairs a value with its selection weight.
type WeightedItem struct {
	Value  string
	Weight float64
}

// weightedChoice picks one value from a weighted list. Weights need not
// sum to 1.
func weightedChoice(rng *rand.Rand, items []WeightedItem) string {
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	if total <= 0 {
		return ""
	}
	r := rng.Float64() * total
	for _, it := range items {
		r -= it.Weight
		if r < 0 {
			return it.Value
		}
	}
	return items[len(items)-1].Value
}

// weightedIndex picks an index from a weight slice.
func weightedIndex(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

// uniform draws from [min, max).
func uniform(rng *rand.Rand, min, max float64) float64 {
	return min + rng.Float64()*(max-min)
}

// uniformInt draws from [min, max] inclusive.
func uniformInt(rng *rand.Rand, min, max int) int {
	if max <= min {
		return min
	}
	return min + rng.Intn(max-min+1)
}

// applyVariance returns v scaled by a uniform factor in [1-sigma, 1+sigma].
func applyVariance(rng *rand.Rand, v, sigma float64) float64 {
	return v * (1 + uniform(rng, -sigma, sigma))
}

// round rounds v to the given number of decimal places.
func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
