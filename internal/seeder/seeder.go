// Package seeder generates sample partner drop files for development and
// load testing. Filenames follow the intake naming rules, so seeded files
// flow through the pipeline exactly like partner uploads.
package seeder

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Config controls what Run writes.
type Config struct {
	Dir         string
	Settlements int
	Disputes    int
	Configs     int
	Rows        int
	Duplicate   bool
}

// Result reports what was written. Duplicate, when set, names a copy of the
// first file under a different filename; its content hashes identically, so
// intake must skip it.
type Result struct {
	Files     []string
	Duplicate string
}

// Run writes the configured number of files into cfg.Dir, creating the
// directory if needed.
func Run(cfg Config) (*Result, error) {
	if cfg.Rows <= 0 {
		cfg.Rows = 25
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create drop directory: %w", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	// Per-run tag keeps filenames unique across repeated runs on the same day.
	tag := strings.ToLower(gofakeit.LetterN(6))
	day := time.Now().Format("20060102")
	merchants := merchantPool(8)

	var result Result

	for i := 0; i < cfg.Settlements; i++ {
		name := fmt.Sprintf("settlements_%s_%s_%02d.csv", day, tag, i)
		path := filepath.Join(cfg.Dir, name)
		if err := os.WriteFile(path, settlementCSV(cfg.Rows, merchants), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		result.Files = append(result.Files, path)
	}

	for i := 0; i < cfg.Disputes; i++ {
		name := fmt.Sprintf("disputes_%s_%s_%02d.ndjson", day, tag, i)
		path := filepath.Join(cfg.Dir, name)
		if err := os.WriteFile(path, disputeNDJSON(cfg.Rows, merchants), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		result.Files = append(result.Files, path)
	}

	for i := 0; i < cfg.Configs; i++ {
		name := fmt.Sprintf("config_%s_%s_%02d.json", day, tag, i)
		path := filepath.Join(cfg.Dir, name)
		if err := os.WriteFile(path, configSnapshot(merchants[i%len(merchants)]), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		result.Files = append(result.Files, path)
	}

	if cfg.Duplicate && len(result.Files) > 0 {
		dup, err := writeDuplicate(result.Files[0])
		if err != nil {
			return nil, err
		}
		result.Duplicate = dup
	}

	return &result, nil
}

// writeDuplicate copies src byte for byte under a new name that still matches
// the same intake rule.
func writeDuplicate(src string) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src, err)
	}

	ext := filepath.Ext(src)
	dup := strings.TrimSuffix(src, ext) + "_copy" + ext
	if err := os.WriteFile(dup, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", dup, err)
	}
	return dup, nil
}

func merchantPool(n int) []string {
	pool := make([]string, n)
	for i := range pool {
		pool[i] = "mer-" + gofakeit.DigitN(6)
	}
	return pool
}

var settlementHeader = []string{
	"merchant_id", "business_date", "batch_id", "currency",
	"gross_amount_minor", "fee_amount_minor", "net_amount_minor", "txn_count",
}

func settlementCSV(rows int, merchants []string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	w.Write(settlementHeader)

	now := time.Now()
	for i := 0; i < rows; i++ {
		gross := int64(gofakeit.Number(10_000, 5_000_000))
		fee := gross / int64(gofakeit.Number(20, 60))
		w.Write([]string{
			merchants[gofakeit.Number(0, len(merchants)-1)],
			gofakeit.DateRange(now.AddDate(0, 0, -7), now).Format("2006-01-02"),
			gofakeit.UUID(),
			gofakeit.CurrencyShort(),
			strconv.FormatInt(gross, 10),
			strconv.FormatInt(fee, 10),
			strconv.FormatInt(gross-fee, 10),
			strconv.Itoa(gofakeit.Number(1, 500)),
		})
	}

	w.Flush()
	return buf.Bytes()
}

type disputeRecord struct {
	MerchantID    string `json:"merchant_id"`
	CaseReference string `json:"case_reference"`
	Status        string `json:"status"`
	ReasonCode    string `json:"reason_code"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	OpenedAt      string `json:"opened_at"`
}

var (
	disputeStatuses = []string{"open", "under_review", "won", "lost", "withdrawn"}
	disputeReasons  = []string{
		"fraud", "product_not_received", "duplicate_charge",
		"not_as_described", "credit_not_processed",
	}
)

func disputeNDJSON(rows int, merchants []string) []byte {
	var buf bytes.Buffer

	now := time.Now()
	for i := 0; i < rows; i++ {
		rec := disputeRecord{
			MerchantID:    merchants[gofakeit.Number(0, len(merchants)-1)],
			CaseReference: "case-" + gofakeit.DigitN(8),
			Status:        gofakeit.RandomString(disputeStatuses),
			ReasonCode:    gofakeit.RandomString(disputeReasons),
			AmountMinor:   int64(gofakeit.Number(500, 2_000_000)),
			Currency:      gofakeit.CurrencyShort(),
			OpenedAt:      gofakeit.DateRange(now.AddDate(0, 0, -30), now).Format(time.RFC3339),
		}
		line, _ := json.Marshal(rec)
		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

func configSnapshot(merchant string) []byte {
	snapshot := map[string]interface{}{
		"merchant_id":         merchant,
		"captured_at":         time.Now().Format(time.RFC3339),
		"settlement_schedule": gofakeit.RandomString([]string{"daily", "weekly", "monthly"}),
		"payout_currency":     gofakeit.CurrencyShort(),
		"contact_email":       gofakeit.Email(),
		"features": map[string]bool{
			"instant_payouts":       gofakeit.Bool(),
			"dispute_autorespond":   gofakeit.Bool(),
			"settlement_reports":    gofakeit.Bool(),
			"multi_currency_payout": gofakeit.Bool(),
		},
	}

	data, _ := json.MarshalIndent(snapshot, "", "  ")
	return data
}
