package reference

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces transaction references used to correlate a ledger record
// with the processor's charge.
type Generator interface {
	Generate() (string, error)
}

// UUIDGenerator builds references from random (v4) UUIDs. The random bits come
// from crypto/rand, so concurrent calls within the same clock tick still differ.
type UUIDGenerator struct {
	Prefix string
}

func NewUUIDGenerator(prefix string) *UUIDGenerator {
	return &UUIDGenerator{Prefix: prefix}
}

func (g *UUIDGenerator) Generate() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate reference: %w", err)
	}
	return g.Prefix + strings.ReplaceAll(id.String(), "-", ""), nil
}
