package payload

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/batchline-systems/batchline/internal/models"
)

// settlementColumns is the required header, in order. The revision column is
// optional and, when present, must be last.
var settlementColumns = []string{
	"merchant_id", "business_date", "batch_id", "currency",
	"gross_amount_minor", "fee_amount_minor", "net_amount_minor", "txn_count",
}

// SettlementProcessor parses settlement batch CSV files. Amounts are integer
// minor units; a value with a decimal point is rejected rather than rounded.
type SettlementProcessor struct{}

// NewSettlementProcessor creates a settlement CSV processor.
func NewSettlementProcessor() *SettlementProcessor {
	return &SettlementProcessor{}
}

// Type returns the payload type this processor handles.
func (p *SettlementProcessor) Type() string {
	return models.PayloadTypeSettlement
}

// Parse reads the CSV. A bad header fails the file; a bad row fails only that
// row.
func (p *SettlementProcessor) Parse(ctx context.Context, data []byte, receivedAt time.Time) ([]Candidate, []LineError, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("empty settlement file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	hasRevision, err := validateSettlementHeader(header)
	if err != nil {
		return nil, nil, err
	}

	var (
		candidates []Candidate
		lineErrors []LineError
		line       = 1 // header
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			lineErrors = append(lineErrors, LineError{Line: line, Msg: err.Error()})
			continue
		}

		s, err := parseSettlementRow(record, hasRevision, receivedAt)
		if err != nil {
			lineErrors = append(lineErrors, LineError{Line: line, Msg: err.Error()})
			continue
		}

		candidates = append(candidates, Candidate{
			Kind:       models.KindSettlement,
			MerchantID: s.MerchantID,
			EntityRef:  s.MerchantID + "/" + s.BusinessDate + "/" + s.BatchID,
			Settlement: s,
		})
	}

	return candidates, lineErrors, nil
}

func validateSettlementHeader(header []string) (hasRevision bool, err error) {
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.TrimSpace(strings.ToLower(h))
	}

	switch len(cols) {
	case len(settlementColumns):
	case len(settlementColumns) + 1:
		if cols[len(cols)-1] != "revision" {
			return false, fmt.Errorf("unexpected trailing column %q", header[len(header)-1])
		}
		hasRevision = true
	default:
		return false, fmt.Errorf("expected %d or %d columns, got %d", len(settlementColumns), len(settlementColumns)+1, len(cols))
	}

	for i, want := range settlementColumns {
		if cols[i] != want {
			return false, fmt.Errorf("column %d: expected %q, got %q", i+1, want, header[i])
		}
	}
	return hasRevision, nil
}

func parseSettlementRow(record []string, hasRevision bool, receivedAt time.Time) (*models.Settlement, error) {
	want := len(settlementColumns)
	if hasRevision {
		want++
	}
	if len(record) != want {
		return nil, fmt.Errorf("expected %d fields, got %d", want, len(record))
	}

	merchantID := strings.TrimSpace(record[0])
	if merchantID == "" {
		return nil, fmt.Errorf("merchant_id is required")
	}

	businessDate := strings.TrimSpace(record[1])
	if _, err := time.Parse("2006-01-02", businessDate); err != nil {
		return nil, fmt.Errorf("invalid business_date %q", record[1])
	}

	batchID := strings.TrimSpace(record[2])
	if batchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}

	currency := strings.ToUpper(strings.TrimSpace(record[3]))
	if len(currency) != 3 {
		return nil, fmt.Errorf("invalid currency %q", record[3])
	}

	gross, err := parseMinorAmount(record[4], "gross_amount_minor")
	if err != nil {
		return nil, err
	}
	fee, err := parseMinorAmount(record[5], "fee_amount_minor")
	if err != nil {
		return nil, err
	}
	net, err := parseMinorAmount(record[6], "net_amount_minor")
	if err != nil {
		return nil, err
	}

	txnCount, err := strconv.Atoi(strings.TrimSpace(record[7]))
	if err != nil || txnCount < 0 {
		return nil, fmt.Errorf("invalid txn_count %q", record[7])
	}

	var revision *int64
	if hasRevision {
		raw := strings.TrimSpace(record[8])
		if raw != "" {
			rev, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid revision %q", record[8])
			}
			revision = &rev
		}
	}

	return &models.Settlement{
		ID:               uuid.New().String(),
		MerchantID:       merchantID,
		BusinessDate:     businessDate,
		BatchID:          batchID,
		Currency:         currency,
		GrossAmountMinor: gross,
		FeeAmountMinor:   fee,
		NetAmountMinor:   net,
		TxnCount:         txnCount,
		Revision:         revision,
		SourceIngestedAt: receivedAt,
	}, nil
}

// parseMinorAmount parses an integer minor-unit amount. Decimal values are
// rejected, never scaled.
func parseMinorAmount(raw, field string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.ContainsAny(trimmed, ".,") {
		return 0, fmt.Errorf("%s must be integer minor units, got %q", field, raw)
	}
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", field, raw)
	}
	return v, nil
}
