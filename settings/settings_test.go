package settings

import (
	"context"
	"errors"
	"testing"
)

type fakeKV struct {
	values map[string]string
	err    error
}

func (f *fakeKV) ReadAll(ctx context.Context) (map[string]string, error) {
	return f.values, f.err
}

func TestLoadDefaults(t *testing.T) {
	provider := NewProvider(&fakeKV{values: map[string]string{}})

	cfg, err := provider.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoReleaseDays != DefaultAutoReleaseDays {
		t.Errorf("auto release days: got %d, want %d", cfg.AutoReleaseDays, DefaultAutoReleaseDays)
	}
	if cfg.DefaultDeductionPercentage != DefaultDeductionPercentage {
		t.Errorf("deduction percentage: got %v, want %v", cfg.DefaultDeductionPercentage, DefaultDeductionPercentage)
	}
	if cfg.MaxOutstandingDebt != DefaultMaxOutstandingDebt {
		t.Errorf("max outstanding debt: got %d, want %d", cfg.MaxOutstandingDebt, DefaultMaxOutstandingDebt)
	}
	if cfg.EscrowEnabled {
		t.Errorf("escrow must stay disabled unless explicitly turned on")
	}
}

func TestLoadParsesValues(t *testing.T) {
	provider := NewProvider(&fakeKV{values: map[string]string{
		"auto_release_days":            "14",
		"default_deduction_percentage": "12.5",
		"minimum_wallet_balance":       "2500",
		"max_outstanding_debt":         "750000",
		"escrow_enabled":               "true",
		"dispute_resolution_email":     "ops@example.rw",
	}})

	cfg, err := provider.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoReleaseDays != 14 {
		t.Errorf("auto release days: got %d", cfg.AutoReleaseDays)
	}
	if cfg.DefaultDeductionPercentage != 12.5 {
		t.Errorf("deduction percentage: got %v", cfg.DefaultDeductionPercentage)
	}
	if cfg.MinimumWalletBalance != 2500 {
		t.Errorf("minimum wallet balance: got %d", cfg.MinimumWalletBalance)
	}
	if cfg.MaxOutstandingDebt != 750000 {
		t.Errorf("max outstanding debt: got %d", cfg.MaxOutstandingDebt)
	}
	if !cfg.EscrowEnabled {
		t.Errorf("escrow enabled: got false")
	}
	if cfg.DisputeResolutionEmail != "ops@example.rw" {
		t.Errorf("dispute email: got %q", cfg.DisputeResolutionEmail)
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	provider := NewProvider(&fakeKV{values: map[string]string{
		"auto_release_days":        "soon",
		"max_outstanding_debt":     "lots",
		"escrow_enabled":           "yes please",
		"dispute_resolution_email": "   ",
	}})

	cfg, err := provider.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoReleaseDays != DefaultAutoReleaseDays {
		t.Errorf("auto release days: got %d, want default", cfg.AutoReleaseDays)
	}
	if cfg.MaxOutstandingDebt != DefaultMaxOutstandingDebt {
		t.Errorf("max outstanding debt: got %d, want default", cfg.MaxOutstandingDebt)
	}
	if cfg.EscrowEnabled {
		t.Errorf("malformed escrow_enabled must fail closed")
	}
	if cfg.DisputeResolutionEmail != DefaultDisputeResolutionEmail {
		t.Errorf("dispute email: got %q, want default", cfg.DisputeResolutionEmail)
	}
}

func TestLoadTrimsWhitespace(t *testing.T) {
	provider := NewProvider(&fakeKV{values: map[string]string{
		"auto_release_days": " 3 ",
		"escrow_enabled":    " true ",
	}})

	cfg, err := provider.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoReleaseDays != 3 {
		t.Errorf("auto release days: got %d", cfg.AutoReleaseDays)
	}
	if !cfg.EscrowEnabled {
		t.Errorf("escrow enabled: got false")
	}
}

func TestLoadReaderError(t *testing.T) {
	readErr := errors.New("connection refused")
	provider := NewProvider(&fakeKV{err: readErr})

	if _, err := provider.Load(context.Background()); !errors.Is(err, readErr) {
		t.Fatalf("expected wrapped reader error, got %v", err)
	}
}
