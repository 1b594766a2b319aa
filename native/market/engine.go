package market

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rentledger/core/events"
	"rentledger/core/types"
	"rentledger/native/common"
)

// PauseModuleName identifies the bid ledger in pause views.
const PauseModuleName = "market"

var (
	// ErrInvalidBid marks bids rejected before reaching the ledger: self
	// bids, closed listings, or totals below the current floor.
	ErrInvalidBid = errors.New("market: invalid bid")
	// ErrNotFound marks lookups of listings or bids that do not exist.
	ErrNotFound = errors.New("market: not found")
	// ErrConflict marks lost races, e.g. a second accept on the same
	// listing. Callers may re-fetch and retry.
	ErrConflict = errors.New("market: conflict")

	errNilState = errors.New("market engine: state not configured")
)

// engineState is the narrow persistence surface the bid ledger needs.
// ApplyAcceptance must persist the listing and every supplied bid in a single
// atomic write.
type engineState interface {
	ListingPut(*Listing) error
	ListingGet(id [32]byte) (*Listing, bool)
	BidPut(*Bid) error
	BidGet(id [32]byte) (*Bid, bool)
	BidDelete(id [32]byte) error
	BidsByListing(listingID [32]byte) ([]*Bid, error)
	ApplyAcceptance(listing *Listing, bids []*Bid) error
}

// RentalCreator is the hook invoked at the tail of a successful acceptance to
// open the escrow lifecycle for the rental.
type RentalCreator interface {
	CreateFromAcceptedBid(listing *Listing, bid *Bid) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine wires the bid ledger business logic with external state and event
// emitters. Mutating operations are serialized by an internal mutex so the
// check-then-act sequences (floor enforcement, acceptance) behave as single
// transactions over the store.
type Engine struct {
	mu       sync.Mutex
	state    engineState
	emitter  events.Emitter
	rentals  RentalCreator
	pauses   common.PauseView
	bidQuota common.Quota
	usage    map[[20]byte]common.QuotaNow
	nowFn    func() int64
}

// NewEngine creates a bid ledger engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRentals configures the escrow-creation hook fired on acceptance.
func (e *Engine) SetRentals(r RentalCreator) { e.rentals = r }

// SetPauses configures the administrative pause view consulted before every
// mutating operation.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetBidQuota configures the per-bidder anti-spam quota applied to PlaceBid.
// A zero quota disables the check.
func (e *Engine) SetBidQuota(q common.Quota) {
	e.bidQuota = q
	e.usage = make(map[[20]byte]common.QuotaNow)
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) guard() error {
	if err := common.Guard(e.pauses, PauseModuleName); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	return nil
}

// consumeBidQuota charges one bid and its rental hours against the bidder's
// epoch counters. Counters only advance when the bid is admitted.
func (e *Engine) consumeBidQuota(bidder [20]byte, hours uint64) error {
	if !e.bidQuota.Enabled() {
		return nil
	}
	if e.usage == nil {
		e.usage = make(map[[20]byte]common.QuotaNow)
	}
	epoch := e.bidQuota.EpochID(e.now())
	next, err := common.CheckQuota(e.bidQuota, epoch, e.usage[bidder], 1, hours)
	if err != nil {
		return fmt.Errorf("market: %w", err)
	}
	e.usage[bidder] = next
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// CreateListing initialises and persists a new rental listing. The identifier
// is derived from the owner and a caller-supplied nonce, so replays of the
// same definition are idempotent.
func (e *Engine) CreateListing(owner [20]byte, hourlyRate, collateral *big.Int, nonce [32]byte) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	id := ethcrypto.Keccak256Hash(owner[:], nonce[:])
	now := e.now()
	listing := &Listing{
		ID:         id,
		Owner:      owner,
		HourlyRate: hourlyRate,
		Collateral: collateral,
		Status:     ListingAvailable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	sanitized, err := SanitizeListing(listing)
	if err != nil {
		return nil, err
	}
	if existing, ok := e.state.ListingGet(id); ok {
		if existing.Owner != owner || existing.HourlyRate.Cmp(sanitized.HourlyRate) != 0 || existing.Collateral.Cmp(sanitized.Collateral) != 0 {
			return nil, fmt.Errorf("%w: listing id already exists with different definition", ErrConflict)
		}
		return existing, nil
	}
	if err := e.state.ListingPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewListingCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// GetListing loads a listing by id.
func (e *Engine) GetListing(id [32]byte) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, ok := e.state.ListingGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: listing %x", ErrNotFound, id)
	}
	return listing, nil
}

// SetListingStatus patches the listing status from outside the bid ledger.
// Dispute statuses may only be raised on rented listings and delisting is
// only permitted while the listing is still open.
func (e *Engine) SetListingStatus(id [32]byte, status ListingStatus) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if !status.Valid() {
		return nil, fmt.Errorf("market: invalid listing status: %d", status)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	listing, ok := e.state.ListingGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: listing %x", ErrNotFound, id)
	}
	if listing.Status == status {
		return listing, nil
	}
	switch status {
	case ListingDelisted:
		if listing.Status != ListingAvailable {
			return nil, fmt.Errorf("%w: cannot delist listing in status %s", ErrConflict, listing.Status)
		}
	case ListingDisputedForLender, ListingDisputedForRenter:
		if listing.Status != ListingRented {
			return nil, fmt.Errorf("%w: cannot dispute listing in status %s", ErrConflict, listing.Status)
		}
	case ListingAvailable:
		if listing.Status != ListingDelisted {
			return nil, fmt.Errorf("%w: cannot reopen listing in status %s", ErrConflict, listing.Status)
		}
	case ListingRented:
		return nil, fmt.Errorf("%w: rented status is owned by bid acceptance", ErrConflict)
	}
	listing.Status = status
	listing.UpdatedAt = e.now()
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(NewListingStatusEvent(listing))
	return listing.Clone(), nil
}

// PlaceBid upserts the bidder's bid on the listing. A resubmission replaces
// the bidder's previous offer in place; the derived total and update
// timestamp are recomputed on every call. Bids from the listing owner, bids
// on closed listings and totals strictly below the current top bid are
// rejected.
func (e *Engine) PlaceBid(listingID [32]byte, bidder [20]byte, ratePerHour *big.Int, durationHours uint64, message string) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	listing, ok := e.state.ListingGet(listingID)
	if !ok {
		return nil, fmt.Errorf("%w: listing %x", ErrNotFound, listingID)
	}
	if listing.Owner == bidder {
		return nil, fmt.Errorf("%w: cannot bid on own listing", ErrInvalidBid)
	}
	if listing.Status != ListingAvailable {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidBid, listing.Status)
	}
	rate := big.NewInt(0)
	if ratePerHour != nil {
		rate = new(big.Int).Set(ratePerHour)
	}
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rate must be positive", ErrInvalidBid)
	}
	if durationHours == 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidBid)
	}
	total := new(big.Int).Mul(rate, new(big.Int).SetUint64(durationHours))

	id := BidID(listingID, bidder)
	if floor, ok, err := e.floorExcluding(listingID, id); err != nil {
		return nil, err
	} else if ok && total.Cmp(floor) < 0 {
		return nil, fmt.Errorf("%w: total %s is below the current floor of %s", ErrInvalidBid, total, floor)
	}

	// Charged only after admission checks: a rejected bid leaves the
	// bidder's epoch allowance untouched.
	if err := e.consumeBidQuota(bidder, durationHours); err != nil {
		return nil, err
	}

	bid := &Bid{
		ID:            id,
		ListingID:     listingID,
		Bidder:        bidder,
		Message:       message,
		RatePerHour:   rate,
		DurationHours: durationHours,
		Total:         total,
		UpdatedAt:     e.now(),
	}
	sanitized, err := SanitizeBid(bid)
	if err != nil {
		return nil, err
	}
	_, existed := e.state.BidGet(id)
	if err := e.state.BidPut(sanitized); err != nil {
		return nil, err
	}
	if existed {
		e.emit(NewBidUpdatedEvent(sanitized))
	} else {
		e.emit(NewBidPlacedEvent(sanitized))
	}
	return sanitized.Clone(), nil
}

// floorExcluding returns the highest competing total on the listing, ignoring
// the caller's own bid so a bidder can always revise their standing offer.
func (e *Engine) floorExcluding(listingID [32]byte, exclude [32]byte) (*big.Int, bool, error) {
	bids, err := e.state.BidsByListing(listingID)
	if err != nil {
		return nil, false, err
	}
	var floor *big.Int
	for _, b := range bids {
		if b.ID == exclude {
			continue
		}
		if floor == nil || b.Total.Cmp(floor) > 0 {
			floor = b.Total
		}
	}
	return floor, floor != nil, nil
}

func rankBids(bids []*Bid) {
	sort.Slice(bids, func(i, j int) bool {
		if c := bids[i].Total.Cmp(bids[j].Total); c != 0 {
			return c > 0
		}
		if bids[i].UpdatedAt != bids[j].UpdatedAt {
			return bids[i].UpdatedAt < bids[j].UpdatedAt
		}
		return hex.EncodeToString(bids[i].ID[:]) < hex.EncodeToString(bids[j].ID[:])
	})
}

func encodeBidCursor(b *Bid) string {
	raw := fmt.Sprintf("%s:%d:%x", b.Total.String(), b.UpdatedAt, b.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeBidCursor(cursor string) (total *big.Int, updatedAt int64, id [32]byte, err error) {
	raw, decErr := base64.RawURLEncoding.DecodeString(cursor)
	if decErr != nil {
		return nil, 0, id, fmt.Errorf("market: malformed cursor")
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		return nil, 0, id, fmt.Errorf("market: malformed cursor")
	}
	total, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return nil, 0, id, fmt.Errorf("market: malformed cursor")
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &updatedAt); err != nil {
		return nil, 0, id, fmt.Errorf("market: malformed cursor")
	}
	decoded, decErr := hex.DecodeString(parts[2])
	if decErr != nil || len(decoded) != len(id) {
		return nil, 0, id, fmt.Errorf("market: malformed cursor")
	}
	copy(id[:], decoded)
	return total, updatedAt, id, nil
}

// RankedBids returns one page of the listing's bids ordered by total
// descending; equal totals rank the earlier updatedAt first, with the bid id
// as the final tiebreak. The returned cursor is opaque and resumes after the
// last bid of the page; it is empty when the page is the last one.
func (e *Engine) RankedBids(listingID [32]byte, cursor string, limit int) ([]*Bid, string, error) {
	if e == nil || e.state == nil {
		return nil, "", errNilState
	}
	if _, ok := e.state.ListingGet(listingID); !ok {
		return nil, "", fmt.Errorf("%w: listing %x", ErrNotFound, listingID)
	}
	if limit <= 0 {
		limit = 20
	}
	bids, err := e.state.BidsByListing(listingID)
	if err != nil {
		return nil, "", err
	}
	rankBids(bids)

	start := 0
	if strings.TrimSpace(cursor) != "" {
		total, updatedAt, id, err := decodeBidCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		for i, b := range bids {
			if b.Total.Cmp(total) == 0 && b.UpdatedAt == updatedAt && b.ID == id {
				start = i + 1
				break
			}
			// Cursor bid may have been withdrawn or re-ranked; resume at
			// the first bid ranked strictly after the cursor position.
			if ranksAfter(b, total, updatedAt, id) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(bids) {
		return []*Bid{}, "", nil
	}
	end := start + limit
	if end > len(bids) {
		end = len(bids)
	}
	page := bids[start:end]
	next := ""
	if end < len(bids) {
		next = encodeBidCursor(page[len(page)-1])
	}
	return page, next, nil
}

func ranksAfter(b *Bid, total *big.Int, updatedAt int64, id [32]byte) bool {
	if c := b.Total.Cmp(total); c != 0 {
		return c < 0
	}
	if b.UpdatedAt != updatedAt {
		return b.UpdatedAt > updatedAt
	}
	return hex.EncodeToString(b.ID[:]) > hex.EncodeToString(id[:])
}

// HighestBid returns the top-ranked bid on the listing, or ErrNotFound when
// the listing has no bids.
func (e *Engine) HighestBid(listingID [32]byte) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	bids, err := e.state.BidsByListing(listingID)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, fmt.Errorf("%w: no bids on listing %x", ErrNotFound, listingID)
	}
	rankBids(bids)
	return bids[0], nil
}

// BidFor returns the bidder's current bid on the listing, or ErrNotFound.
func (e *Engine) BidFor(listingID [32]byte, bidder [20]byte) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	bid, ok := e.state.BidGet(BidID(listingID, bidder))
	if !ok {
		return nil, fmt.Errorf("%w: no bid by %x on listing %x", ErrNotFound, bidder, listingID)
	}
	return bid, nil
}

// WithdrawBid physically removes a non-accepted bid. Withdrawing a missing
// or already accepted bid fails with ErrNotFound.
func (e *Engine) WithdrawBid(bidID [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return err
	}

	bid, ok := e.state.BidGet(bidID)
	if !ok || bid.Accepted {
		return fmt.Errorf("%w: bid %x not withdrawable", ErrNotFound, bidID)
	}
	if bid.Bidder != caller {
		return fmt.Errorf("market: unauthorized withdraw caller")
	}
	if err := e.state.BidDelete(bidID); err != nil {
		return err
	}
	e.emit(NewBidWithdrawnEvent(bid))
	return nil
}

// AcceptBid marks the target bid accepted, every sibling bid on the listing
// rejected, and the listing rented, all in a single atomic state write. A
// concurrent accept on the same listing loses with ErrConflict because the
// listing is no longer available when its turn comes. On success the rental
// hook opens the escrow lifecycle seeded from the accepted bid. Accepting
// the winning bid again only replays the hook, so an acceptance whose
// escrow creation failed can be retried.
func (e *Engine) AcceptBid(bidID [32]byte, caller [20]byte) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	bid, ok := e.state.BidGet(bidID)
	if !ok {
		return nil, fmt.Errorf("%w: bid %x", ErrNotFound, bidID)
	}
	listing, ok := e.state.ListingGet(bid.ListingID)
	if !ok {
		return nil, fmt.Errorf("%w: listing %x", ErrNotFound, bid.ListingID)
	}
	if listing.Owner != caller {
		return nil, fmt.Errorf("market: unauthorized accept caller")
	}
	if bid.Accepted && listing.Status == ListingRented && listing.Renter == bid.Bidder {
		// Replaying the accepted bid re-fires the idempotent escrow
		// hook, recovering an acceptance whose agreement creation
		// failed after the ledger write.
		if e.rentals != nil {
			if err := e.rentals.CreateFromAcceptedBid(listing, bid); err != nil {
				return nil, fmt.Errorf("market: open rental for bid %x: %w", bidID, err)
			}
		}
		return bid.Clone(), nil
	}
	if listing.Status != ListingAvailable {
		return nil, fmt.Errorf("%w: listing is %s", ErrConflict, listing.Status)
	}

	now := e.now()
	siblings, err := e.state.BidsByListing(bid.ListingID)
	if err != nil {
		return nil, err
	}
	updated := make([]*Bid, 0, len(siblings))
	var accepted *Bid
	for _, sibling := range siblings {
		s := sibling.Clone()
		if s.ID == bidID {
			s.Accepted = true
			s.AcceptedAt = now
			accepted = s
		} else {
			s.Accepted = false
		}
		s.UpdatedAt = now
		updated = append(updated, s)
	}
	if accepted == nil {
		return nil, fmt.Errorf("%w: bid %x", ErrNotFound, bidID)
	}
	listing.Status = ListingRented
	listing.Renter = accepted.Bidder
	listing.UpdatedAt = now

	if err := e.state.ApplyAcceptance(listing, updated); err != nil {
		return nil, err
	}
	e.emit(NewBidAcceptedEvent(accepted))
	e.emit(NewListingStatusEvent(listing))

	if e.rentals != nil {
		if err := e.rentals.CreateFromAcceptedBid(listing, accepted); err != nil {
			return nil, fmt.Errorf("market: open rental for bid %x: %w", bidID, err)
		}
	}
	return accepted.Clone(), nil
}

// RejectBid flips a single bid back to not-accepted. It never touches the
// listing; it exists for manual rejection ahead of any acceptance.
func (e *Engine) RejectBid(bidID [32]byte, caller [20]byte) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	bid, ok := e.state.BidGet(bidID)
	if !ok {
		return nil, fmt.Errorf("%w: bid %x", ErrNotFound, bidID)
	}
	listing, ok := e.state.ListingGet(bid.ListingID)
	if !ok {
		return nil, fmt.Errorf("%w: listing %x", ErrNotFound, bid.ListingID)
	}
	if listing.Owner != caller {
		return nil, fmt.Errorf("market: unauthorized reject caller")
	}
	if !bid.Accepted {
		return bid, nil
	}
	bid.Accepted = false
	bid.AcceptedAt = 0
	bid.UpdatedAt = e.now()
	if err := e.state.BidPut(bid); err != nil {
		return nil, err
	}
	e.emit(NewBidRejectedEvent(bid))
	return bid.Clone(), nil
}
