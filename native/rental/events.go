package rental

import (
	"encoding/hex"
	"strconv"

	"rentledger/core/types"
)

const (
	EventTypeRentalCreated      = "rental.created"
	EventTypeRentalAssetSent    = "rental.asset_sent"
	EventTypeRentalReturnWindow = "rental.return_window"
	EventTypeRentalSettled      = "rental.settled"
	EventTypeRentalCancelled    = "rental.cancelled"
	EventTypeRentalDefaulted    = "rental.defaulted"
)

// NewCreatedEvent returns the canonical event payload for a newly opened
// agreement.
func NewCreatedEvent(a *Agreement) *types.Event {
	return newAgreementEvent(EventTypeRentalCreated, a, nil)
}

// NewAssetSentEvent returns the payload emitted when the lender completes
// delivery.
func NewAssetSentEvent(a *Agreement, evidence string) *types.Event {
	evt := newAgreementEvent(EventTypeRentalAssetSent, a, nil)
	if evidence != "" {
		evt.Attributes["evidence"] = evidence
	}
	return evt
}

// NewReturnWindowEvent returns the payload emitted when the rental period
// elapses and the return window opens.
func NewReturnWindowEvent(a *Agreement) *types.Event {
	return newAgreementEvent(EventTypeRentalReturnWindow, a, nil)
}

// NewSettledEvent returns the payload emitted on successful settlement,
// carrying the computed distribution.
func NewSettledEvent(a *Agreement, s *Settlement) *types.Event {
	return newAgreementEvent(EventTypeRentalSettled, a, s)
}

// NewCancelledEvent returns the payload emitted when the delivery deadline
// lapses or the agreement is cancelled while delivery is pending.
func NewCancelledEvent(a *Agreement) *types.Event {
	return newAgreementEvent(EventTypeRentalCancelled, a, nil)
}

// NewDefaultedEvent returns the payload emitted when the renter misses the
// settlement deadline, carrying the forfeiture split.
func NewDefaultedEvent(a *Agreement, s *Settlement) *types.Event {
	return newAgreementEvent(EventTypeRentalDefaulted, a, s)
}

func newAgreementEvent(eventType string, a *Agreement, s *Settlement) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(a.ID[:])
	attrs["listingId"] = hex.EncodeToString(a.ListingID[:])
	attrs["bidId"] = hex.EncodeToString(a.BidID[:])
	attrs["lender"] = hex.EncodeToString(a.Lender[:])
	attrs["renter"] = hex.EncodeToString(a.Renter[:])
	attrs["status"] = a.Status.String()
	attrs["currentStep"] = strconv.FormatUint(uint64(a.CurrentStep), 10)
	if a.Fee != nil {
		attrs["fee"] = a.Fee.String()
	}
	if a.Collateral != nil {
		attrs["collateral"] = a.Collateral.String()
	}
	if s != nil {
		attrs["rentalCost"] = s.RentalCost.String()
		attrs["platformFee"] = s.PlatformFee.String()
		attrs["toLender"] = s.ToLender.String()
		attrs["toRenter"] = s.ToRenter.String()
		attrs["outcome"] = s.Outcome.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
