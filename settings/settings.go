package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Settings is a point-in-time snapshot of the business-rule parameters.
// Values are read fresh per operation so admin changes take effect without a
// restart; nothing in this subsystem writes them.
type Settings struct {
	AutoReleaseDays            int
	DefaultDeductionPercentage float64
	MinimumWalletBalance       int64
	MaxOutstandingDebt         int64
	EscrowEnabled              bool
	DisputeResolutionEmail     string
}

// Defaults applied when a key is absent or unparseable. EscrowEnabled fails
// closed: escrow stays off unless explicitly turned on.
const (
	DefaultAutoReleaseDays        = 7
	DefaultDeductionPercentage    = 30.0
	DefaultMinimumWalletBalance   = 10000
	DefaultMaxOutstandingDebt     = 5000000
	DefaultDisputeResolutionEmail = "disputes@escrowflow.rw"
)

// KVReader abstracts the settings table for testability.
type KVReader interface {
	ReadAll(ctx context.Context) (map[string]string, error)
}

// Provider loads typed settings snapshots from string-valued key/value storage.
type Provider struct {
	kv KVReader
}

func NewProvider(kv KVReader) *Provider {
	return &Provider{kv: kv}
}

func (p *Provider) Load(ctx context.Context) (Settings, error) {
	raw, err := p.kv.ReadAll(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: load: %w", err)
	}

	return Settings{
		AutoReleaseDays:            intValue(raw, "auto_release_days", DefaultAutoReleaseDays),
		DefaultDeductionPercentage: floatValue(raw, "default_deduction_percentage", DefaultDeductionPercentage),
		MinimumWalletBalance:       int64Value(raw, "minimum_wallet_balance", DefaultMinimumWalletBalance),
		MaxOutstandingDebt:         int64Value(raw, "max_outstanding_debt", DefaultMaxOutstandingDebt),
		EscrowEnabled:              boolValue(raw, "escrow_enabled", false),
		DisputeResolutionEmail:     stringValue(raw, "dispute_resolution_email", DefaultDisputeResolutionEmail),
	}, nil
}

func intValue(raw map[string]string, key string, fallback int) int {
	if v, ok := raw[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func int64Value(raw map[string]string, key string, fallback int64) int64 {
	if v, ok := raw[key]; ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func floatValue(raw map[string]string, key string, fallback float64) float64 {
	if v, ok := raw[key]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func boolValue(raw map[string]string, key string, fallback bool) bool {
	if v, ok := raw[key]; ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func stringValue(raw map[string]string, key, fallback string) string {
	if v, ok := raw[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// PGReader reads the escrow_settings table.
type PGReader struct {
	pool *pgxpool.Pool
}

func NewPGReader(pool *pgxpool.Pool) *PGReader {
	return &PGReader{pool: pool}
}

func (r *PGReader) ReadAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM escrow_settings`)
	if err != nil {
		return nil, fmt.Errorf("settings: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, 8)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings: iterate: %w", err)
	}
	return out, nil
}
