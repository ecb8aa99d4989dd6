package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/batchline-systems/batchline/internal/models"
)

// snapshotEnvelope is the part of a config snapshot the pipeline reads. The
// rest of the document is stored as-is.
type snapshotEnvelope struct {
	MerchantID string `json:"merchant_id"`
	CapturedAt string `json:"captured_at"`
}

// ConfigSnapshotProcessor parses merchant config snapshot files: a single JSON
// object per file, stored opaquely. Only the envelope fields are validated.
type ConfigSnapshotProcessor struct{}

// NewConfigSnapshotProcessor creates a config snapshot processor.
func NewConfigSnapshotProcessor() *ConfigSnapshotProcessor {
	return &ConfigSnapshotProcessor{}
}

// Type returns the payload type this processor handles.
func (p *ConfigSnapshotProcessor) Type() string {
	return models.PayloadTypeConfig
}

// Parse validates the envelope and yields exactly one candidate. A snapshot
// file has no per-line granularity, so any failure fails the whole file.
func (p *ConfigSnapshotProcessor) Parse(ctx context.Context, data []byte, receivedAt time.Time) ([]Candidate, []LineError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("invalid snapshot JSON: %w", err)
	}

	merchantID := strings.TrimSpace(env.MerchantID)
	if merchantID == "" {
		return nil, nil, fmt.Errorf("merchant_id is required")
	}

	capturedAt, err := time.Parse(time.RFC3339, env.CapturedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid captured_at %q", env.CapturedAt)
	}

	// Compact so stored payloads compare bytewise regardless of source
	// formatting.
	compacted, err := compactJSON(data)
	if err != nil {
		return nil, nil, fmt.Errorf("compact snapshot: %w", err)
	}

	snapshot := &models.ConfigSnapshot{
		ID:         uuid.New().String(),
		MerchantID: merchantID,
		CapturedAt: capturedAt,
		Payload:    compacted,
		ReceivedAt: receivedAt,
	}

	return []Candidate{{
		Kind:       models.KindConfig,
		MerchantID: merchantID,
		EntityRef:  merchantID + "/" + capturedAt.UTC().Format(time.RFC3339),
		Config:     snapshot,
	}}, nil, nil
}

func compactJSON(data []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
