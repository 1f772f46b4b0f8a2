// Package domain contains core domain types for the empathy study platform.
package domain

import "fmt"

// BotVariant identifies one of the empathy-style bot configurations
// a participant can be assigned to.
type BotVariant string

const (
	VariantEmotional    BotVariant = "emotional"
	VariantCognitive    BotVariant = "cognitive"
	VariantMotivational BotVariant = "motivational"
	VariantControl      BotVariant = "control"
)

// Variants returns all bot variants in canonical order. The order matters
// for the sequential assignment strategy.
func Variants() []BotVariant {
	return []BotVariant{VariantEmotional, VariantCognitive, VariantMotivational, VariantControl}
}

// ParseVariant validates a raw variant string.
func ParseVariant(s string) (BotVariant, error) {
	for _, v := range Variants() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown bot variant: %q", s)
}

// Distribution maps each bot variant to its current participant count.
// It is derived from persisted participant records and is never mutated
// by the assignment balancer itself.
type Distribution map[BotVariant]int

// Count returns the participant count for a variant, treating absent
// variants as zero.
func (d Distribution) Count(v BotVariant) int {
	if d == nil {
		return 0
	}
	return d[v]
}

// Total returns the total number of assigned participants.
func (d Distribution) Total() int {
	total := 0
	for _, n := range d {
		total += n
	}
	return total
}
