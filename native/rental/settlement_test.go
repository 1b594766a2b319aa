package rental

import (
	"math/big"
	"testing"
)

func amount(v string) *big.Int {
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		panic("bad amount literal: " + v)
	}
	return out
}

func TestSettleCompleted(t *testing.T) {
	// 2.0 tokens/hour for 10 hours with 1.0 token collateral and a 2.5%
	// platform fee, all in 18-decimal minor units.
	s, err := Settle(amount("2000000000000000000"), 10, amount("1000000000000000000"), 250, OutcomeCompleted)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.RentalCost.Cmp(amount("20000000000000000000")) != 0 {
		t.Fatalf("unexpected rental cost %s", s.RentalCost)
	}
	if s.PlatformFee.Cmp(amount("500000000000000000")) != 0 {
		t.Fatalf("unexpected platform fee %s", s.PlatformFee)
	}
	if s.ToLender.Cmp(amount("19500000000000000000")) != 0 {
		t.Fatalf("unexpected lender payout %s", s.ToLender)
	}
	if s.ToRenter.Cmp(amount("1000000000000000000")) != 0 {
		t.Fatalf("unexpected renter payout %s", s.ToRenter)
	}
}

func TestSettleDefaultedForfeitsCollateral(t *testing.T) {
	s, err := Settle(big.NewInt(100), 10, big.NewInt(500), 250, OutcomeDefaulted)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// cost 1000, fee 25, lender receives the remainder plus the collateral.
	if s.ToLender.Cmp(big.NewInt(1475)) != 0 {
		t.Fatalf("unexpected lender payout %s", s.ToLender)
	}
	if s.ToRenter.Sign() != 0 {
		t.Fatalf("expected zero renter payout, got %s", s.ToRenter)
	}
}

func TestSettleCancelledRefundsEverything(t *testing.T) {
	s, err := Settle(big.NewInt(100), 10, big.NewInt(500), 250, OutcomeCancelled)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.PlatformFee.Sign() != 0 {
		t.Fatalf("expected no fee on cancellation, got %s", s.PlatformFee)
	}
	if s.ToLender.Sign() != 0 {
		t.Fatalf("expected zero lender payout, got %s", s.ToLender)
	}
	if s.ToRenter.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("expected cost plus collateral refunded, got %s", s.ToRenter)
	}
}

func TestSettleFeeTruncatesTowardZero(t *testing.T) {
	// cost 999 at 250 bps is 24.975; integer division keeps 24.
	s, err := Settle(big.NewInt(999), 1, big.NewInt(0), 250, OutcomeCompleted)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.PlatformFee.Cmp(big.NewInt(24)) != 0 {
		t.Fatalf("expected truncated fee 24, got %s", s.PlatformFee)
	}
	if s.ToLender.Cmp(big.NewInt(975)) != 0 {
		t.Fatalf("unexpected lender payout %s", s.ToLender)
	}
}

func TestSettleValidation(t *testing.T) {
	if _, err := Settle(nil, 1, big.NewInt(0), 0, OutcomeCompleted); err == nil {
		t.Fatalf("expected error for nil rate")
	}
	if _, err := Settle(big.NewInt(1), 1, nil, 0, OutcomeCompleted); err == nil {
		t.Fatalf("expected error for nil collateral")
	}
	if _, err := Settle(big.NewInt(1), 1, big.NewInt(0), 10_001, OutcomeCompleted); err == nil {
		t.Fatalf("expected error for fee above 100%%")
	}
	if _, err := Settle(big.NewInt(1), 1, big.NewInt(0), 0, Outcome(9)); err == nil {
		t.Fatalf("expected error for unknown outcome")
	}
}
