package market

import (
	"encoding/hex"
	"strconv"

	"rentledger/core/types"
)

const (
	EventTypeListingCreated = "market.listing.created"
	EventTypeListingStatus  = "market.listing.status"
	EventTypeBidPlaced      = "market.bid.placed"
	EventTypeBidUpdated     = "market.bid.updated"
	EventTypeBidWithdrawn   = "market.bid.withdrawn"
	EventTypeBidAccepted    = "market.bid.accepted"
	EventTypeBidRejected    = "market.bid.rejected"
)

// NewListingCreatedEvent returns the canonical event payload for a newly
// posted listing.
func NewListingCreatedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingCreated, l)
}

// NewListingStatusEvent returns the canonical event payload emitted when a
// listing changes status.
func NewListingStatusEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingStatus, l)
}

// NewBidPlacedEvent returns the canonical event payload for a first-time bid.
func NewBidPlacedEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidPlaced, b) }

// NewBidUpdatedEvent returns the canonical event payload for a resubmitted
// bid.
func NewBidUpdatedEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidUpdated, b) }

// NewBidWithdrawnEvent returns the canonical event payload for a withdrawn
// bid.
func NewBidWithdrawnEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidWithdrawn, b) }

// NewBidAcceptedEvent returns the canonical event payload for the winning
// bid of an acceptance.
func NewBidAcceptedEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidAccepted, b) }

// NewBidRejectedEvent returns the canonical event payload for a manually
// rejected bid.
func NewBidRejectedEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidRejected, b) }

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(l.ID[:])
	attrs["owner"] = hex.EncodeToString(l.Owner[:])
	attrs["status"] = l.Status.String()
	if l.HourlyRate != nil {
		attrs["hourlyRate"] = l.HourlyRate.String()
	}
	if l.Collateral != nil {
		attrs["collateral"] = l.Collateral.String()
	}
	if l.Renter != ([20]byte{}) {
		attrs["renter"] = hex.EncodeToString(l.Renter[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newBidEvent(eventType string, b *Bid) *types.Event {
	attrs := make(map[string]string)
	if b == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(b.ID[:])
	attrs["listingId"] = hex.EncodeToString(b.ListingID[:])
	attrs["bidder"] = hex.EncodeToString(b.Bidder[:])
	attrs["durationHours"] = strconv.FormatUint(b.DurationHours, 10)
	attrs["accepted"] = strconv.FormatBool(b.Accepted)
	if b.RatePerHour != nil {
		attrs["ratePerHour"] = b.RatePerHour.String()
	}
	if b.Total != nil {
		attrs["total"] = b.Total.String()
	}
	attrs["updatedAt"] = strconv.FormatInt(b.UpdatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
