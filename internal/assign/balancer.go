// Package assign selects bot variants for new participants so that variant
// counts stay balanced across the study.
package assign

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nkoval/empathy-study/internal/domain"
)

// Strategy names an assignment method.
type Strategy string

const (
	// StrategyEqualDistribution assigns the variant with the fewest
	// participants, breaking ties uniformly at random. Under serialized
	// calls no variant's count can exceed any other's by more than one.
	StrategyEqualDistribution Strategy = "equal_distribution"
	// StrategyRandom assigns uniformly with no balancing guarantee.
	StrategyRandom Strategy = "random"
	// StrategySequential rotates through variants in canonical order,
	// indexed by the total number of participants assigned so far.
	StrategySequential Strategy = "sequential"
)

// ParseStrategy validates a configured strategy name. An empty name selects
// the default equal-distribution strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyEqualDistribution, StrategyRandom, StrategySequential:
		return Strategy(s), nil
	case "":
		return StrategyEqualDistribution, nil
	default:
		return "", fmt.Errorf("unknown assignment strategy: %q", s)
	}
}

// Balancer picks bot variants from the current persisted distribution. It
// only reads counts; persisting the new participant is the caller's job and
// is what changes the distribution for the next call.
type Balancer struct {
	variants []domain.BotVariant

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBalancer creates a balancer over all bot variants with a time-seeded
// tie-break source.
func NewBalancer() *Balancer {
	return NewBalancerWithRand(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewBalancerWithRand creates a balancer with an explicit random source,
// which makes tie-breaking deterministic in tests.
func NewBalancerWithRand(rng *rand.Rand) *Balancer {
	return &Balancer{
		variants: domain.Variants(),
		rng:      rng,
	}
}

// Assign picks the next variant using the given strategy. Variants absent
// from the distribution are treated as having zero participants.
func (b *Balancer) Assign(strategy Strategy, dist domain.Distribution) (domain.BotVariant, error) {
	switch strategy {
	case StrategyEqualDistribution, "":
		return b.assignEqualDistribution(dist), nil
	case StrategyRandom:
		return b.variants[b.intn(len(b.variants))], nil
	case StrategySequential:
		return b.variants[dist.Total()%len(b.variants)], nil
	default:
		return "", fmt.Errorf("unknown assignment strategy: %q", strategy)
	}
}

func (b *Balancer) assignEqualDistribution(dist domain.Distribution) domain.BotVariant {
	minCount := dist.Count(b.variants[0])
	for _, v := range b.variants[1:] {
		if n := dist.Count(v); n < minCount {
			minCount = n
		}
	}

	var tied []domain.BotVariant
	for _, v := range b.variants {
		if dist.Count(v) == minCount {
			tied = append(tied, v)
		}
	}
	return tied[b.intn(len(tied))]
}

func (b *Balancer) intn(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Intn(n)
}

// Report summarizes the current assignment distribution for researchers.
type Report struct {
	TotalParticipants int                           `json:"total_participants"`
	Distribution      domain.Distribution           `json:"distribution"`
	Percentages       map[domain.BotVariant]float64 `json:"percentages"`
}

// BuildReport computes per-variant counts and percentages from a
// distribution snapshot.
func BuildReport(dist domain.Distribution) Report {
	report := Report{
		TotalParticipants: dist.Total(),
		Distribution:      domain.Distribution{},
		Percentages:       map[domain.BotVariant]float64{},
	}
	for _, v := range domain.Variants() {
		report.Distribution[v] = dist.Count(v)
		if report.TotalParticipants > 0 {
			pct := float64(dist.Count(v)) / float64(report.TotalParticipants) * 100
			report.Percentages[v] = float64(int(pct*100+0.5)) / 100
		}
	}
	return report
}
