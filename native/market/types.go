package market

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ListingStatus represents the lifecycle states of a rental listing.
type ListingStatus uint8

const (
	ListingAvailable ListingStatus = iota
	ListingRented
	ListingDelisted
	ListingDisputedForLender
	ListingDisputedForRenter
)

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingAvailable, ListingRented, ListingDelisted, ListingDisputedForLender, ListingDisputedForRenter:
		return true
	default:
		return false
	}
}

// String returns the canonical wire label for the status.
func (s ListingStatus) String() string {
	switch s {
	case ListingAvailable:
		return "available"
	case ListingRented:
		return "rented"
	case ListingDelisted:
		return "delisted"
	case ListingDisputedForLender:
		return "disputed_for_lender"
	case ListingDisputedForRenter:
		return "disputed_for_renter"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseListingStatus resolves a wire label back to a status value.
func ParseListingStatus(label string) (ListingStatus, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "available":
		return ListingAvailable, nil
	case "rented":
		return ListingRented, nil
	case "delisted":
		return ListingDelisted, nil
	case "disputed_for_lender":
		return ListingDisputedForLender, nil
	case "disputed_for_renter":
		return ListingDisputedForRenter, nil
	default:
		return 0, fmt.Errorf("market: unknown listing status %q", label)
	}
}

// Listing describes an asset offered for hourly rental. The bid ledger only
// owns status and renter transitions; the remaining fields are written once
// at creation by the posting flow.
type Listing struct {
	ID         [32]byte
	Owner      [20]byte
	HourlyRate *big.Int
	Collateral *big.Int
	Status     ListingStatus
	Renter     [20]byte
	CreatedAt  int64
	UpdatedAt  int64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.HourlyRate != nil {
		clone.HourlyRate = new(big.Int).Set(l.HourlyRate)
	} else {
		clone.HourlyRate = big.NewInt(0)
	}
	if l.Collateral != nil {
		clone.Collateral = new(big.Int).Set(l.Collateral)
	} else {
		clone.Collateral = big.NewInt(0)
	}
	return &clone
}

// SanitizeListing validates and normalises a listing definition, returning a
// cloned instance with non-nil amount fields. The original is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	clone := l.Clone()
	if clone.ID == ([32]byte{}) {
		return nil, fmt.Errorf("market: listing id must be set")
	}
	if clone.Owner == ([20]byte{}) {
		return nil, fmt.Errorf("market: listing owner must be set")
	}
	if clone.HourlyRate.Sign() <= 0 {
		return nil, fmt.Errorf("market: hourly rate must be positive")
	}
	if clone.Collateral.Sign() < 0 {
		return nil, fmt.Errorf("market: collateral must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid listing status: %d", clone.Status)
	}
	return clone, nil
}

// Bid is a renter's offer on a listing. The identifier is the keccak256 hash
// of the listing id and the bidder address, so a bidder structurally owns at
// most one bid per listing: resubmitting overwrites the same record.
type Bid struct {
	ID            [32]byte
	ListingID     [32]byte
	Bidder        [20]byte
	Message       string
	RatePerHour   *big.Int
	DurationHours uint64
	Total         *big.Int
	Accepted      bool
	AcceptedAt    int64
	UpdatedAt     int64
}

// BidID derives the deterministic identifier for a bidder's bid on a listing.
func BidID(listingID [32]byte, bidder [20]byte) [32]byte {
	return ethcrypto.Keccak256Hash(listingID[:], bidder[:])
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	if b.RatePerHour != nil {
		clone.RatePerHour = new(big.Int).Set(b.RatePerHour)
	} else {
		clone.RatePerHour = big.NewInt(0)
	}
	if b.Total != nil {
		clone.Total = new(big.Int).Set(b.Total)
	} else {
		clone.Total = big.NewInt(0)
	}
	return &clone
}

// SanitizeBid validates and normalises a bid, returning a cloned instance
// whose derived fields are consistent. The original is not mutated.
func SanitizeBid(b *Bid) (*Bid, error) {
	if b == nil {
		return nil, fmt.Errorf("market: nil bid")
	}
	clone := b.Clone()
	if clone.ListingID == ([32]byte{}) {
		return nil, fmt.Errorf("market: bid listing id must be set")
	}
	if clone.Bidder == ([20]byte{}) {
		return nil, fmt.Errorf("market: bidder must be set")
	}
	if clone.ID != BidID(clone.ListingID, clone.Bidder) {
		return nil, fmt.Errorf("market: bid id does not match listing and bidder")
	}
	if clone.RatePerHour.Sign() <= 0 {
		return nil, fmt.Errorf("market: bid rate must be positive")
	}
	if clone.DurationHours == 0 {
		return nil, fmt.Errorf("market: bid duration must be positive")
	}
	expected := new(big.Int).Mul(clone.RatePerHour, new(big.Int).SetUint64(clone.DurationHours))
	if clone.Total.Cmp(expected) != 0 {
		return nil, fmt.Errorf("market: bid total %s does not match rate x duration %s", clone.Total, expected)
	}
	clone.Message = strings.TrimSpace(clone.Message)
	return clone, nil
}
