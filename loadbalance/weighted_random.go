package loadbalance

import (
	"fmt"
	"math/rand"
)

// WeightedRandomBalancer picks a candidate at random, weighted by
// Candidate.Weight, favoring higher-capacity endpoints for redial.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, fmt.Errorf("no candidates available")
	}

	totalWeight := 0
	for _, c := range candidates {
		totalWeight += c.Weight
	}
	if totalWeight <= 0 {
		return candidates[rand.Intn(len(candidates))], nil
	}

	r := rand.Intn(totalWeight)
	for _, c := range candidates {
		r -= c.Weight
		if r < 0 {
			return c, nil
		}
	}

	return Candidate{}, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
