// Package payload parses raw file content into typed record candidates.
//
// Each payload type has one Processor. Parsing isolates per-record failures:
// a malformed line yields a LineError and the remaining lines still become
// candidates. Only a file that cannot be read at all (bad header, invalid
// document) fails as a whole.
package payload

import (
	"context"
	"time"

	"github.com/batchline-systems/batchline/internal/models"
)

// Candidate is one parsed record ready for the store. Exactly one of the
// record pointers is set, matching Kind.
type Candidate struct {
	Kind       string // settlement, dispute, config
	MerchantID string
	EntityRef  string // business key rendered as a stable string

	Settlement *models.Settlement
	Dispute    *models.Dispute
	Config     *models.ConfigSnapshot
}

// LineError describes one rejected record within an otherwise readable file.
type LineError struct {
	Line int
	Msg  string
}

// Processor parses one payload type.
type Processor interface {
	// Type returns the payload type this processor handles.
	Type() string

	// Parse converts file content into candidates. receivedAt is the file's
	// original intake timestamp and is stamped onto every candidate so the
	// store's conflict resolution can order versions by intake time.
	Parse(ctx context.Context, data []byte, receivedAt time.Time) ([]Candidate, []LineError, error)
}

// Registry holds the closed set of processors.
type Registry struct {
	procs map[string]Processor
}

// NewRegistry constructs a registry with the provided processors.
func NewRegistry(procs ...Processor) *Registry {
	m := make(map[string]Processor, len(procs))
	for _, p := range procs {
		m[p.Type()] = p
	}
	return &Registry{procs: m}
}

// DefaultRegistry returns the registry with all built-in processors.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewSettlementProcessor(),
		NewDisputeProcessor(),
		NewConfigSnapshotProcessor(),
	)
}

// Find returns the processor for a payload type, or nil if the type is not
// handled. Callers decide what an unhandled type means; for the ingestion
// worker it is a failed job, never a dropped file.
func (r *Registry) Find(payloadType string) Processor {
	if r == nil {
		return nil
	}
	return r.procs[payloadType]
}
