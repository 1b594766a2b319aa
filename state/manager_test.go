package state

import (
	"bytes"
	"math/big"
	"testing"

	"rentledger/native/market"
	"rentledger/native/rental"
	"rentledger/storage"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func testHash(fill byte) [32]byte {
	var h [32]byte
	copy(h[:], bytes.Repeat([]byte{fill}, 32))
	return h
}

func testListing(fill byte) *market.Listing {
	return &market.Listing{
		ID:         testHash(fill),
		Owner:      testAddress(0x01),
		HourlyRate: big.NewInt(100),
		Collateral: big.NewInt(500),
		Status:     market.ListingAvailable,
		CreatedAt:  1_700_000_000,
		UpdatedAt:  1_700_000_000,
	}
}

func testBid(listingID [32]byte, bidder [20]byte) *market.Bid {
	return &market.Bid{
		ID:            market.BidID(listingID, bidder),
		ListingID:     listingID,
		Bidder:        bidder,
		RatePerHour:   big.NewInt(100),
		DurationHours: 10,
		Total:         big.NewInt(1000),
		UpdatedAt:     1_700_000_000,
	}
}

func testAgreement(listingID [32]byte) (*rental.Agreement, []*rental.Step) {
	bidID := market.BidID(listingID, testAddress(0x02))
	agreement := &rental.Agreement{
		ID:            rental.AgreementID(bidID),
		ListingID:     listingID,
		BidID:         bidID,
		Lender:        testAddress(0x01),
		Renter:        testAddress(0x02),
		RatePerHour:   big.NewInt(100),
		DurationHours: 10,
		Fee:           big.NewInt(1000),
		Collateral:    big.NewInt(500),
		Status:        rental.AgreementActive,
		CurrentStep:   rental.StepLenderSendsAsset,
		CreatedAt:     1_700_000_000,
		Step2Deadline: 1_700_086_400,
	}
	steps := make([]*rental.Step, 0, 5)
	for n := uint8(1); n <= 5; n++ {
		status := rental.StepPending
		switch n {
		case 1:
			status = rental.StepCompleted
		case 2:
			status = rental.StepActive
		}
		steps = append(steps, &rental.Step{
			AgreementID: agreement.ID,
			Number:      n,
			Title:       "step",
			Status:      status,
			Timestamp:   1_700_000_000,
		})
	}
	return agreement, steps
}

func TestListingRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	listing := testListing(0x0A)

	if err := manager.ListingPut(listing); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok := manager.ListingGet(listing.ID)
	if !ok {
		t.Fatalf("expected listing to load")
	}
	if loaded.Owner != listing.Owner || loaded.HourlyRate.Cmp(listing.HourlyRate) != 0 {
		t.Fatalf("unexpected listing after round trip")
	}
	if _, ok := manager.ListingGet(testHash(0xEE)); ok {
		t.Fatalf("expected miss for unknown listing")
	}
}

func TestBidIndexFollowsPutAndDelete(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	listing := testListing(0x0A)
	if err := manager.ListingPut(listing); err != nil {
		t.Fatalf("put listing: %v", err)
	}

	first := testBid(listing.ID, testAddress(0x02))
	second := testBid(listing.ID, testAddress(0x03))
	for _, b := range []*market.Bid{first, second} {
		if err := manager.BidPut(b); err != nil {
			t.Fatalf("put bid: %v", err)
		}
	}

	bids, err := manager.BidsByListing(listing.ID)
	if err != nil {
		t.Fatalf("bids by listing: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(bids))
	}

	if err := manager.BidDelete(first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	bids, err = manager.BidsByListing(listing.ID)
	if err != nil {
		t.Fatalf("bids by listing after delete: %v", err)
	}
	if len(bids) != 1 || bids[0].ID != second.ID {
		t.Fatalf("expected only the second bid to remain")
	}
	if err := manager.BidDelete(first.ID); err == nil {
		t.Fatalf("expected error deleting a missing bid")
	}
}

func TestApplyAcceptanceWritesAtomically(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	listing := testListing(0x0A)
	if err := manager.ListingPut(listing); err != nil {
		t.Fatalf("put listing: %v", err)
	}
	winner := testBid(listing.ID, testAddress(0x02))
	loser := testBid(listing.ID, testAddress(0x03))
	winner.Accepted = true
	winner.AcceptedAt = 1_700_000_100

	listing.Status = market.ListingRented
	listing.Renter = winner.Bidder
	if err := manager.ApplyAcceptance(listing, []*market.Bid{winner, loser}); err != nil {
		t.Fatalf("apply acceptance: %v", err)
	}

	stored, ok := manager.ListingGet(listing.ID)
	if !ok || stored.Status != market.ListingRented {
		t.Fatalf("expected rented listing")
	}
	acceptedBid, ok := manager.BidGet(winner.ID)
	if !ok || !acceptedBid.Accepted {
		t.Fatalf("expected accepted bid persisted")
	}
	bids, err := manager.BidsByListing(listing.ID)
	if err != nil || len(bids) != 2 {
		t.Fatalf("expected both bids indexed, got %d (%v)", len(bids), err)
	}
}

func TestApplyTransitionMaintainsActiveIndex(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	agreement, steps := testAgreement(testHash(0x0A))

	if err := manager.ApplyTransition(agreement, steps); err != nil {
		t.Fatalf("apply transition: %v", err)
	}
	active, err := manager.ActiveAgreements()
	if err != nil || len(active) != 1 || active[0] != agreement.ID {
		t.Fatalf("expected agreement in active index, got %v (%v)", active, err)
	}
	resolved, ok := manager.AgreementIDByListing(agreement.ListingID)
	if !ok || resolved != agreement.ID {
		t.Fatalf("expected listing lookup to resolve the agreement")
	}
	loadedSteps, ok := manager.StepsGet(agreement.ID)
	if !ok || len(loadedSteps) != 5 {
		t.Fatalf("expected five steps persisted")
	}

	agreement.Status = rental.AgreementCompleted
	agreement.CurrentStep = 0
	if err := manager.ApplyTransition(agreement, steps); err != nil {
		t.Fatalf("terminal transition: %v", err)
	}
	active, err = manager.ActiveAgreements()
	if err != nil || len(active) != 0 {
		t.Fatalf("expected empty active index after terminal transition, got %v", active)
	}
	loaded, ok := manager.AgreementGet(agreement.ID)
	if !ok || loaded.Status != rental.AgreementCompleted {
		t.Fatalf("expected terminal agreement persisted")
	}
}

func TestApplyTransitionRejectsPartialStepLedger(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	agreement, steps := testAgreement(testHash(0x0A))

	if err := manager.ApplyTransition(agreement, steps[:3]); err == nil {
		t.Fatalf("expected error for truncated step ledger")
	}
}

func TestEventSequenceSurvivesReopen(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)

	if got := manager.EventSequence(); got != 0 {
		t.Fatalf("expected zero sequence on fresh store, got %d", got)
	}
	if err := manager.SetEventSequence(42); err != nil {
		t.Fatalf("set sequence: %v", err)
	}

	reopened := NewManager(db)
	if got := reopened.EventSequence(); got != 42 {
		t.Fatalf("expected persisted sequence 42, got %d", got)
	}
}
