package escrow

import "time"

// Status is the hold lifecycle: held is the only mutable state; released and
// disputed are terminal for this subsystem (dispute resolution is manual and
// happens elsewhere).
type Status string

const (
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusDisputed Status = "disputed"
)

// Method distinguishes operator-entered repayments from sweep-generated ones.
type Method string

const (
	MethodManual     Method = "manual"
	MethodAutoDeduct Method = "auto_deduct"
)

// SystemAutoRelease is stamped as confirmed_by on sweep-released holds.
const SystemAutoRelease = "system_auto_release"

// Hold mirrors the escrow_holds table. Rows are append-only: a hold is never
// physically deleted, only transitioned.
type Hold struct {
	ID                   string
	OrderID              string
	RetailerID           string
	WholesalerID         string
	OrderAmount          int64
	EscrowAmount         int64
	Currency             string
	Status               Status
	AutoReleaseAt        time.Time
	ConfirmationRequired bool
	ExternalLedgerRef    *string
	ExternalBalanceID    *string
	DisputeReason        *string
	DisputeRaisedBy      *string
	Notes                *string
	ConfirmedBy          *string
	ConfirmedAt          *time.Time
	ReleasedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Repayment mirrors the escrow_repayments table. Immutable once written.
type Repayment struct {
	ID                string
	EscrowHoldID      string
	RetailerID        string
	RepaymentAmount   int64
	RepaymentMethod   Method
	PaymentReference  *string
	ExternalLedgerRef *string
	Status            string
	Notes             *string
	ProcessedAt       time.Time
}

// AutoDeductConfig is the per-retailer automatic debt-recovery policy.
// suspended overrides enabled.
type AutoDeductConfig struct {
	RetailerID           string
	Enabled              bool
	DeductionPercentage  float64
	MinimumBalanceRWF    int64
	MaxDailyDeductionRWF *int64
	Suspended            bool
	UpdatedAt            time.Time
}

// DebtSummary is the derived per-retailer view: held+released escrow minus
// completed repayments. Computed by query, never stored.
type DebtSummary struct {
	RetailerID      string
	TotalEscrowed   int64
	TotalRepaid     int64
	OutstandingDebt int64
	ActiveHolds     int
}

// WholesalerSummary aggregates a wholesaler's holds by status.
type WholesalerSummary struct {
	WholesalerID    string
	PendingCount    int
	PendingAmount   int64
	ReleasedCount   int
	ReleasedAmount  int64
	DisputedCount   int
	DisputedAmount  int64
	LastPaymentDate *time.Time
}

// CreateParams are the caller-supplied inputs to CreateEscrow.
type CreateParams struct {
	OrderID         string
	RetailerID      string
	WholesalerID    string
	OrderAmount     int64
	EscrowAmount    int64
	Currency        string
	OrderDetails    map[string]any
	AutoReleaseDays *int
}

// RepaymentParams are the caller-supplied inputs to RecordRepayment.
type RepaymentParams struct {
	EscrowHoldID     string
	RetailerID       string
	RepaymentAmount  int64
	RepaymentMethod  Method
	PaymentReference *string
	Notes            *string
}

// UpdateAutoDeductParams carries the optional fields of the admin upsert;
// nil fields leave the stored value untouched.
type UpdateAutoDeductParams struct {
	Enabled              *bool
	DeductionPercentage  *float64
	MinimumBalanceRWF    *int64
	MaxDailyDeductionRWF *int64
	Suspended            *bool
}

// ReleaseReport summarises one auto-release sweep. Per-hold failures never
// abort the sweep; they are counted here and logged with the hold id.
type ReleaseReport struct {
	Due      int
	Released int
	Failed   int
}

// DeductionReport summarises one auto-deduction sweep.
type DeductionReport struct {
	Processed   int
	Skipped     int
	Failed      int
	TotalAmount int64
}
