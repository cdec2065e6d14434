// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package themegraph

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Cosine k-means with k-means++ initialization. Vectors are converted to
// float64 once up front so gonum can do the arithmetic.

const maxIterations = 50

// ChooseK applies the cluster-count heuristic for n thoughts.
func ChooseK(n int) int {
	k := int(math.Floor(math.Sqrt(float64(n) / 5)))
	if k < 3 {
		k = 3
	}
	if k > 6 {
		k = 6
	}
	return k
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func cosineSim(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func cosineDist(a, b []float64) float64 { return 1 - cosineSim(a, b) }

// cluster partitions vectors into k groups and returns the assignment per
// vector. Degenerate inputs (n <= k) get one cluster per vector.
func cluster(vectors [][]float64, k int, rng *rand.Rand) []int {
	n := len(vectors)
	assign := make([]int, n)
	if n == 0 {
		return assign
	}
	if n <= k {
		for i := range assign {
			assign[i] = i
		}
		return assign
	}

	centers := initPlusPlus(vectors, k, rng)
	for iter := 0; iter < maxIterations; iter++ {
		moved := 0
		for i, v := range vectors {
			best, bestDist := 0, math.Inf(1)
			for c, center := range centers {
				if d := cosineDist(v, center); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				moved++
			}
		}
		if moved == 0 && iter > 0 {
			break
		}
		recenter(vectors, assign, centers)
	}
	return assign
}

// initPlusPlus seeds centers by distance-squared sampling.
func initPlusPlus(vectors [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	first := vectors[rng.Intn(len(vectors))]
	centers = append(centers, append([]float64(nil), first...))

	dists := make([]float64, len(vectors))
	for len(centers) < k {
		var total float64
		for i, v := range vectors {
			best := math.Inf(1)
			for _, c := range centers {
				if d := cosineDist(v, c); d < best {
					best = d
				}
			}
			dists[i] = best * best
			total += dists[i]
		}
		if total == 0 {
			// All remaining points coincide with a center; pick any.
			centers = append(centers, append([]float64(nil), vectors[rng.Intn(len(vectors))]...))
			continue
		}
		target := rng.Float64() * total
		var acc float64
		pick := len(vectors) - 1
		for i, d := range dists {
			acc += d
			if acc >= target {
				pick = i
				break
			}
		}
		centers = append(centers, append([]float64(nil), vectors[pick]...))
	}
	return centers
}

// recenter recomputes each center as the mean of its members. Empty clusters
// keep their previous center.
func recenter(vectors [][]float64, assign []int, centers [][]float64) {
	dim := len(vectors[0])
	counts := make([]int, len(centers))
	sums := make([][]float64, len(centers))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, v := range vectors {
		floats.Add(sums[assign[i]], v)
		counts[assign[i]]++
	}
	for c := range centers {
		if counts[c] == 0 {
			continue
		}
		floats.Scale(1/float64(counts[c]), sums[c])
		centers[c] = sums[c]
	}
}
