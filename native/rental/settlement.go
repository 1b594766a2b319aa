package rental

import (
	"fmt"
	"math/big"
)

// Outcome selects the settlement split applied when an agreement reaches a
// terminal state.
type Outcome uint8

const (
	// OutcomeCompleted releases the fee to the lender minus the platform
	// cut and returns the collateral to the renter in full.
	OutcomeCompleted Outcome = iota
	// OutcomeDefaulted forfeits the collateral to the lender on top of the
	// rental fee.
	OutcomeDefaulted
	// OutcomeCancelled refunds everything to the renter.
	OutcomeCancelled
)

// String returns the canonical wire label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDefaulted:
		return "defaulted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Settlement is the computed distribution of a finished rental. All amounts
// are integer minor units of the settlement asset; the platform fee is a
// basis-point cut of the rental cost, truncated toward zero the same way the
// chain rounds fee arithmetic.
type Settlement struct {
	RentalCost  *big.Int
	PlatformFee *big.Int
	ToLender    *big.Int
	ToRenter    *big.Int
	Outcome     Outcome
}

// Settle computes the financial split for a rental. It is a pure function of
// its inputs: ratePerHour and collateral in minor units, the rental duration
// in whole hours, and the platform fee in basis points (10_000 = 100%).
func Settle(ratePerHour *big.Int, durationHours uint64, collateral *big.Int, feeBps uint32, outcome Outcome) (*Settlement, error) {
	if ratePerHour == nil || ratePerHour.Sign() < 0 {
		return nil, fmt.Errorf("rental: rate must be non-negative")
	}
	if collateral == nil || collateral.Sign() < 0 {
		return nil, fmt.Errorf("rental: collateral must be non-negative")
	}
	if feeBps > 10_000 {
		return nil, fmt.Errorf("rental: fee bps out of range")
	}
	cost := new(big.Int).Mul(ratePerHour, new(big.Int).SetUint64(durationHours))
	fee := new(big.Int).Mul(cost, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Div(fee, big.NewInt(10_000))

	s := &Settlement{
		RentalCost:  cost,
		PlatformFee: fee,
		Outcome:     outcome,
	}
	switch outcome {
	case OutcomeCompleted:
		s.ToLender = new(big.Int).Sub(cost, fee)
		s.ToRenter = new(big.Int).Set(collateral)
	case OutcomeDefaulted:
		s.ToLender = new(big.Int).Sub(cost, fee)
		s.ToLender.Add(s.ToLender, collateral)
		s.ToRenter = big.NewInt(0)
	case OutcomeCancelled:
		s.PlatformFee = big.NewInt(0)
		s.ToLender = big.NewInt(0)
		s.ToRenter = new(big.Int).Add(cost, collateral)
	default:
		return nil, fmt.Errorf("rental: invalid settlement outcome %d", outcome)
	}
	return s, nil
}
