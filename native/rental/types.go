package rental

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AgreementStatus summarises the coarse progress of a rental escrow.
type AgreementStatus uint8

const (
	AgreementActive AgreementStatus = iota
	AgreementCancelled
	AgreementDefaulted
	AgreementCompleted
)

// Valid reports whether the status value is within the supported range.
func (s AgreementStatus) Valid() bool {
	switch s {
	case AgreementActive, AgreementCancelled, AgreementDefaulted, AgreementCompleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the agreement permits no further mutation.
func (s AgreementStatus) Terminal() bool {
	return s == AgreementCancelled || s == AgreementDefaulted || s == AgreementCompleted
}

// String returns the canonical wire label for the status.
func (s AgreementStatus) String() string {
	switch s {
	case AgreementActive:
		return "active"
	case AgreementCancelled:
		return "cancelled"
	case AgreementDefaulted:
		return "defaulted"
	case AgreementCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// StepStatus tracks a single lifecycle step.
type StepStatus uint8

const (
	StepPending StepStatus = iota
	StepActive
	StepCompleted
)

// String returns the canonical wire label for the step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepActive:
		return "active"
	case StepCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Step numbers of the five-phase escrow lifecycle.
const (
	StepPaymentDeposited uint8 = 1
	StepLenderSendsAsset uint8 = 2
	StepRentalPeriod     uint8 = 3
	StepRenterReturns    uint8 = 4
	StepSettlement       uint8 = 5
)

// Agreement is the per-rental escrow record. CurrentStep mirrors the single
// ACTIVE step so the one-active invariant is directly checkable without
// re-deriving it from the step list; it is zero once the agreement is
// terminal. Step4Deadline stays zero until the rental period has elapsed.
type Agreement struct {
	ID            [32]byte
	ListingID     [32]byte
	BidID         [32]byte
	Lender        [20]byte
	Renter        [20]byte
	RatePerHour   *big.Int
	DurationHours uint64
	Fee           *big.Int
	Collateral    *big.Int
	Status        AgreementStatus
	CurrentStep   uint8
	CreatedAt     int64
	StartedAt     int64
	Step2Deadline int64
	Step4Deadline int64
	ExternalRef   string
}

// AgreementID derives the deterministic escrow identifier for an accepted
// bid.
func AgreementID(bidID [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash([]byte("rental"), bidID[:])
}

// Clone returns a deep copy of the agreement.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	if a.RatePerHour != nil {
		clone.RatePerHour = new(big.Int).Set(a.RatePerHour)
	} else {
		clone.RatePerHour = big.NewInt(0)
	}
	if a.Fee != nil {
		clone.Fee = new(big.Int).Set(a.Fee)
	} else {
		clone.Fee = big.NewInt(0)
	}
	if a.Collateral != nil {
		clone.Collateral = new(big.Int).Set(a.Collateral)
	} else {
		clone.Collateral = big.NewInt(0)
	}
	return &clone
}

// SanitizeAgreement validates an agreement definition, returning a cloned
// instance with non-nil amount fields. The original is not mutated.
func SanitizeAgreement(a *Agreement) (*Agreement, error) {
	if a == nil {
		return nil, fmt.Errorf("rental: nil agreement")
	}
	clone := a.Clone()
	if clone.ID == ([32]byte{}) {
		return nil, fmt.Errorf("rental: agreement id must be set")
	}
	if clone.Lender == ([20]byte{}) || clone.Renter == ([20]byte{}) {
		return nil, fmt.Errorf("rental: lender and renter must be set")
	}
	if clone.Lender == clone.Renter {
		return nil, fmt.Errorf("rental: lender and renter must differ")
	}
	if clone.RatePerHour.Sign() <= 0 {
		return nil, fmt.Errorf("rental: rate must be positive")
	}
	if clone.DurationHours == 0 {
		return nil, fmt.Errorf("rental: duration must be positive")
	}
	if clone.Collateral.Sign() < 0 {
		return nil, fmt.Errorf("rental: collateral must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("rental: invalid agreement status: %d", clone.Status)
	}
	if clone.Status.Terminal() && clone.CurrentStep != 0 {
		return nil, fmt.Errorf("rental: terminal agreement cannot have an active step")
	}
	return clone, nil
}

// Step is one of the five ordered phases of an agreement's lifecycle.
type Step struct {
	AgreementID [32]byte
	Number      uint8
	Title       string
	Description string
	Status      StepStatus
	Evidence    string
	Timestamp   int64
}

// Clone returns a copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

func cloneSteps(steps []*Step) []*Step {
	out := make([]*Step, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Clone())
	}
	return out
}

// newSteps builds the initial step ledger for an agreement: payment is
// treated as deposited by the act of acceptance, so step 1 opens completed
// and step 2 active.
func newSteps(agreementID [32]byte, now int64) []*Step {
	return []*Step{
		{
			AgreementID: agreementID,
			Number:      StepPaymentDeposited,
			Title:       "Payment deposited",
			Description: "Rental fee and collateral committed at bid acceptance.",
			Status:      StepCompleted,
			Timestamp:   now,
		},
		{
			AgreementID: agreementID,
			Number:      StepLenderSendsAsset,
			Title:       "Lender sends asset",
			Description: "Lender transfers the rented asset to the renter.",
			Status:      StepActive,
			Timestamp:   now,
		},
		{
			AgreementID: agreementID,
			Number:      StepRentalPeriod,
			Title:       "Rental period",
			Description: "Renter holds the asset for the agreed duration.",
			Status:      StepPending,
		},
		{
			AgreementID: agreementID,
			Number:      StepRenterReturns,
			Title:       "Renter returns asset",
			Description: "Renter returns the asset and settlement is finalised.",
			Status:      StepPending,
		},
		{
			AgreementID: agreementID,
			Number:      StepSettlement,
			Title:       "Settlement",
			Description: "Fees distributed and collateral released.",
			Status:      StepPending,
		},
	}
}

// Snapshot bundles an agreement with its step ledger for read callers.
type Snapshot struct {
	Agreement *Agreement
	Steps     []*Step
}
