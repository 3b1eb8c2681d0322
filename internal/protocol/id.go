package protocol

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces message ids of the form "<prefix>-<nonce>-<n>".
// The nonce makes ids from distinct processes disjoint; the counter makes
// them monotonic within one process.
type IDGenerator struct {
	prefix string
	nonce  string
	n      atomic.Uint64
}

// NewIDGenerator creates a generator with a fresh process-local nonce.
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{
		prefix: prefix,
		nonce:  uuid.New().String()[:8],
	}
}

// Next returns the next id.
func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%s-%s-%d", g.prefix, g.nonce, g.n.Add(1))
}
