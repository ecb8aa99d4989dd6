package payload

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/batchline-systems/batchline/internal/models"
)

// disputeScanBuffer bounds a single NDJSON line. A longer line fails the
// whole file.
const disputeScanBuffer = 1024 * 1024

var disputeStatuses = map[string]bool{
	"open":         true,
	"under_review": true,
	"won":          true,
	"lost":         true,
	"withdrawn":    true,
}

// disputeLine is the wire shape of one NDJSON dispute record.
type disputeLine struct {
	MerchantID    string `json:"merchant_id"`
	CaseReference string `json:"case_reference"`
	Status        string `json:"status"`
	ReasonCode    string `json:"reason_code"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	OpenedAt      string `json:"opened_at"`
	Revision      *int64 `json:"revision,omitempty"`
}

// DisputeProcessor parses dispute update NDJSON files, one JSON object per
// line. Blank lines are skipped; a malformed line fails only itself.
type DisputeProcessor struct{}

// NewDisputeProcessor creates a dispute NDJSON processor.
func NewDisputeProcessor() *DisputeProcessor {
	return &DisputeProcessor{}
}

// Type returns the payload type this processor handles.
func (p *DisputeProcessor) Type() string {
	return models.PayloadTypeDispute
}

// Parse reads the file line by line. An empty file is an error: a dispute
// export always carries at least one case.
func (p *DisputeProcessor) Parse(ctx context.Context, data []byte, receivedAt time.Time) ([]Candidate, []LineError, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), disputeScanBuffer)

	var (
		candidates []Candidate
		lineErrors []LineError
		line       int
		sawContent bool
	)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		sawContent = true

		d, err := parseDisputeLine(raw, receivedAt)
		if err != nil {
			lineErrors = append(lineErrors, LineError{Line: line, Msg: err.Error()})
			continue
		}

		candidates = append(candidates, Candidate{
			Kind:       models.KindDispute,
			MerchantID: d.MerchantID,
			EntityRef:  d.MerchantID + "/" + d.CaseReference,
			Dispute:    d,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan dispute file: %w", err)
	}
	if !sawContent {
		return nil, nil, fmt.Errorf("empty dispute file")
	}

	return candidates, lineErrors, nil
}

func parseDisputeLine(raw []byte, receivedAt time.Time) (*models.Dispute, error) {
	var d disputeLine
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	merchantID := strings.TrimSpace(d.MerchantID)
	if merchantID == "" {
		return nil, fmt.Errorf("merchant_id is required")
	}
	caseRef := strings.TrimSpace(d.CaseReference)
	if caseRef == "" {
		return nil, fmt.Errorf("case_reference is required")
	}

	status := strings.ToLower(strings.TrimSpace(d.Status))
	if !disputeStatuses[status] {
		return nil, fmt.Errorf("invalid status %q", d.Status)
	}

	currency := strings.ToUpper(strings.TrimSpace(d.Currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("invalid currency %q", d.Currency)
	}

	openedAt, err := time.Parse(time.RFC3339, d.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid opened_at %q", d.OpenedAt)
	}

	return &models.Dispute{
		ID:               uuid.New().String(),
		MerchantID:       merchantID,
		CaseReference:    caseRef,
		Status:           status,
		ReasonCode:       strings.TrimSpace(d.ReasonCode),
		AmountMinor:      d.AmountMinor,
		Currency:         currency,
		OpenedAt:         openedAt,
		Revision:         d.Revision,
		SourceIngestedAt: receivedAt,
	}, nil
}
