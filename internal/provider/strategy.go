package provider

import (
	"fmt"
	"math/rand"
)

// Strategy picks one provider from a non-empty candidate slice. Candidates
// are passed in registration order, so order-sensitive tiebreaks are stable.
type Strategy interface {
	Pick(candidates []*state) *state
	Name() string
}

// ParseStrategy resolves a configured strategy name to its implementation.
// The set is closed; unknown names are a configuration error.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "availability", "":
		return availabilityStrategy{}, nil
	case "load":
		return loadStrategy{}, nil
	case "cost":
		return costStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", name)
	}
}

// availabilityStrategy picks weighted-random, weight proportional to the
// configured provider weight.
type availabilityStrategy struct{}

func (availabilityStrategy) Name() string { return "availability" }

func (availabilityStrategy) Pick(candidates []*state) *state {
	total := 0
	for _, c := range candidates {
		if c.info.Weight > 0 {
			total += c.info.Weight
		}
	}
	if total == 0 {
		return candidates[rand.Intn(len(candidates))]
	}
	n := rand.Intn(total)
	for _, c := range candidates {
		if c.info.Weight <= 0 {
			continue
		}
		n -= c.info.Weight
		if n < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// loadStrategy picks the least-used provider, ties broken by registration order.
type loadStrategy struct{}

func (loadStrategy) Name() string { return "load" }

func (loadStrategy) Pick(candidates []*state) *state {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.info.UsageCount < best.info.UsageCount {
			best = c
		}
	}
	return best
}

// costStrategy picks the cheapest provider; equal costs prefer higher weight.
type costStrategy struct{}

func (costStrategy) Name() string { return "cost" }

func (costStrategy) Pick(candidates []*state) *state {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.info.Cost < best.info.Cost ||
			(c.info.Cost == best.info.Cost && c.info.Weight > best.info.Weight) {
			best = c
		}
	}
	return best
}
