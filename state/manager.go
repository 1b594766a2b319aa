package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"rentledger/native/market"
	"rentledger/native/rental"
	"rentledger/storage"
)

// Key prefixes. Bid index entries live under their listing so one prefix
// walk yields a listing's bids; the active index carries every non-terminal
// agreement for the deadline sweep.
const (
	prefixListing            = "listing/"
	prefixBid                = "bid/"
	prefixBidsByListing      = "bididx/"
	prefixAgreement          = "agreement/"
	prefixSteps              = "steps/"
	prefixAgreementByListing = "agrbylisting/"
	prefixActiveAgreements   = "active/"

	keyEventSequence = "events/seq"
)

// Manager persists marketplace entities in a key-value store and implements
// the state surfaces the bid ledger and escrow engines require. Multi-record
// transitions are applied through a single storage batch, so no reader ever
// observes a half-applied acceptance or step transition.
type Manager struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func listingKey(id [32]byte) []byte {
	return []byte(prefixListing + hex.EncodeToString(id[:]))
}

func bidKey(id [32]byte) []byte {
	return []byte(prefixBid + hex.EncodeToString(id[:]))
}

func bidIndexKey(listingID, bidID [32]byte) []byte {
	return []byte(prefixBidsByListing + hex.EncodeToString(listingID[:]) + "/" + hex.EncodeToString(bidID[:]))
}

func agreementKey(id [32]byte) []byte {
	return []byte(prefixAgreement + hex.EncodeToString(id[:]))
}

func stepsKey(id [32]byte) []byte {
	return []byte(prefixSteps + hex.EncodeToString(id[:]))
}

func agreementByListingKey(listingID [32]byte) []byte {
	return []byte(prefixAgreementByListing + hex.EncodeToString(listingID[:]))
}

func activeAgreementKey(id [32]byte) []byte {
	return []byte(prefixActiveAgreements + hex.EncodeToString(id[:]))
}

// --- Listings ---

// ListingPut sanitizes and stores a listing.
func (m *Manager) ListingPut(l *market.Listing) error {
	sanitized, err := market.SanitizeListing(l)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return err
	}
	return m.db.Put(listingKey(sanitized.ID), encoded)
}

// ListingGet loads a listing by id.
func (m *Manager) ListingGet(id [32]byte) (*market.Listing, bool) {
	raw, err := m.db.Get(listingKey(id))
	if err != nil {
		return nil, false
	}
	listing := new(market.Listing)
	if err := json.Unmarshal(raw, listing); err != nil {
		return nil, false
	}
	return listing, true
}

// --- Bids ---

// BidPut sanitizes and stores a bid along with its listing index entry.
func (m *Manager) BidPut(b *market.Bid) error {
	sanitized, err := market.SanitizeBid(b)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return err
	}
	return m.db.Write([]storage.BatchOp{
		{Key: bidKey(sanitized.ID), Value: encoded},
		{Key: bidIndexKey(sanitized.ListingID, sanitized.ID), Value: sanitized.ID[:]},
	})
}

// BidGet loads a bid by id.
func (m *Manager) BidGet(id [32]byte) (*market.Bid, bool) {
	raw, err := m.db.Get(bidKey(id))
	if err != nil {
		return nil, false
	}
	bid := new(market.Bid)
	if err := json.Unmarshal(raw, bid); err != nil {
		return nil, false
	}
	return bid, true
}

// BidDelete removes a bid and its index entry.
func (m *Manager) BidDelete(id [32]byte) error {
	bid, ok := m.BidGet(id)
	if !ok {
		return fmt.Errorf("state: bid %x not found", id)
	}
	return m.db.Write([]storage.BatchOp{
		{Key: bidKey(id)},
		{Key: bidIndexKey(bid.ListingID, id)},
	})
}

// BidsByListing returns every bid on the listing in index order.
func (m *Manager) BidsByListing(listingID [32]byte) ([]*market.Bid, error) {
	prefix := []byte(prefixBidsByListing + hex.EncodeToString(listingID[:]) + "/")
	var ids [][32]byte
	err := m.db.IteratePrefix(prefix, func(key, value []byte) bool {
		if len(value) == 32 {
			var id [32]byte
			copy(id[:], value)
			ids = append(ids, id)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	bids := make([]*market.Bid, 0, len(ids))
	for _, id := range ids {
		if bid, ok := m.BidGet(id); ok {
			bids = append(bids, bid)
		}
	}
	return bids, nil
}

// ApplyAcceptance persists the rented listing and the full updated bid set
// of an acceptance in one atomic batch.
func (m *Manager) ApplyAcceptance(listing *market.Listing, bids []*market.Bid) error {
	sanitizedListing, err := market.SanitizeListing(listing)
	if err != nil {
		return err
	}
	encodedListing, err := json.Marshal(sanitizedListing)
	if err != nil {
		return err
	}
	batch := []storage.BatchOp{{Key: listingKey(sanitizedListing.ID), Value: encodedListing}}
	for _, b := range bids {
		sanitized, err := market.SanitizeBid(b)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(sanitized)
		if err != nil {
			return err
		}
		batch = append(batch,
			storage.BatchOp{Key: bidKey(sanitized.ID), Value: encoded},
			storage.BatchOp{Key: bidIndexKey(sanitized.ListingID, sanitized.ID), Value: sanitized.ID[:]},
		)
	}
	return m.db.Write(batch)
}

// --- Agreements ---

// AgreementGet loads an agreement by id.
func (m *Manager) AgreementGet(id [32]byte) (*rental.Agreement, bool) {
	raw, err := m.db.Get(agreementKey(id))
	if err != nil {
		return nil, false
	}
	agreement := new(rental.Agreement)
	if err := json.Unmarshal(raw, agreement); err != nil {
		return nil, false
	}
	return agreement, true
}

// StepsGet loads the step ledger of an agreement.
func (m *Manager) StepsGet(id [32]byte) ([]*rental.Step, bool) {
	raw, err := m.db.Get(stepsKey(id))
	if err != nil {
		return nil, false
	}
	var steps []*rental.Step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, false
	}
	return steps, true
}

// AgreementIDByListing resolves the agreement opened for a listing.
func (m *Manager) AgreementIDByListing(listingID [32]byte) ([32]byte, bool) {
	var id [32]byte
	raw, err := m.db.Get(agreementByListingKey(listingID))
	if err != nil || len(raw) != 32 {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}

// ActiveAgreements lists the ids of every non-terminal agreement.
func (m *Manager) ActiveAgreements() ([][32]byte, error) {
	var ids [][32]byte
	err := m.db.IteratePrefix([]byte(prefixActiveAgreements), func(key, value []byte) bool {
		decoded, err := hex.DecodeString(string(key[len(prefixActiveAgreements):]))
		if err == nil && len(decoded) == 32 {
			var id [32]byte
			copy(id[:], decoded)
			ids = append(ids, id)
		}
		return true
	})
	return ids, err
}

// ApplyTransition persists an agreement and its step ledger in one atomic
// batch, maintaining the listing lookup and the active-agreement index as
// the status moves in and out of the active state.
func (m *Manager) ApplyTransition(a *rental.Agreement, steps []*rental.Step) error {
	sanitized, err := rental.SanitizeAgreement(a)
	if err != nil {
		return err
	}
	if len(steps) != 5 {
		return errors.New("state: agreement requires exactly five steps")
	}
	encodedAgreement, err := json.Marshal(sanitized)
	if err != nil {
		return err
	}
	encodedSteps, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	batch := []storage.BatchOp{
		{Key: agreementKey(sanitized.ID), Value: encodedAgreement},
		{Key: stepsKey(sanitized.ID), Value: encodedSteps},
		{Key: agreementByListingKey(sanitized.ListingID), Value: sanitized.ID[:]},
	}
	if sanitized.Status.Terminal() {
		batch = append(batch, storage.BatchOp{Key: activeAgreementKey(sanitized.ID)})
	} else {
		batch = append(batch, storage.BatchOp{Key: activeAgreementKey(sanitized.ID), Value: []byte{1}})
	}
	return m.db.Write(batch)
}

// --- Event sequence checkpoint ---

// EventSequence returns the last persisted event sequence, or zero when no
// event has been emitted yet.
func (m *Manager) EventSequence() int64 {
	raw, err := m.db.Get([]byte(keyEventSequence))
	if err != nil {
		return 0
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// SetEventSequence persists the last issued event sequence. The feed resumes
// from it after a restart so watcher cursors stay valid.
func (m *Manager) SetEventSequence(seq int64) error {
	return m.db.Put([]byte(keyEventSequence), []byte(strconv.FormatInt(seq, 10)))
}
