package rpc

import (
	"net/http"

	"rentledger/native/market"
)

type createListingParams struct {
	Owner      string `json:"owner"`
	HourlyRate string `json:"hourlyRate"`
	Collateral string `json:"collateral"`
	Nonce      string `json:"nonce"`
}

type listingIDParams struct {
	ID string `json:"id"`
}

type setListingStatusParams struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type placeBidParams struct {
	ListingID     string `json:"listingId"`
	Bidder        string `json:"bidder"`
	RatePerHour   string `json:"ratePerHour"`
	DurationHours uint64 `json:"durationHours"`
	Message       string `json:"message,omitempty"`
}

type bidActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type rankedBidsParams struct {
	ListingID string `json:"listingId"`
	Cursor    string `json:"cursor,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type bidForParams struct {
	ListingID string `json:"listingId"`
	Bidder    string `json:"bidder"`
}

type listingJSON struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	HourlyRate string `json:"hourlyRate"`
	Collateral string `json:"collateral"`
	Status     string `json:"status"`
	Renter     string `json:"renter,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type bidJSON struct {
	ID            string `json:"id"`
	ListingID     string `json:"listingId"`
	Bidder        string `json:"bidder"`
	Message       string `json:"message,omitempty"`
	RatePerHour   string `json:"ratePerHour"`
	DurationHours uint64 `json:"durationHours"`
	Total         string `json:"total"`
	Accepted      bool   `json:"accepted"`
	AcceptedAt    int64  `json:"acceptedAt,omitempty"`
	UpdatedAt     int64  `json:"updatedAt"`
}

type rankedBidsResult struct {
	Bids       []bidJSON `json:"bids"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

func listingToJSON(l *market.Listing) listingJSON {
	out := listingJSON{
		ID:         hashHex(l.ID),
		Owner:      addrHex(l.Owner),
		HourlyRate: l.HourlyRate.String(),
		Collateral: l.Collateral.String(),
		Status:     l.Status.String(),
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
	if l.Renter != ([20]byte{}) {
		out.Renter = addrHex(l.Renter)
	}
	return out
}

func bidToJSON(b *market.Bid) bidJSON {
	return bidJSON{
		ID:            hashHex(b.ID),
		ListingID:     hashHex(b.ListingID),
		Bidder:        addrHex(b.Bidder),
		Message:       b.Message,
		RatePerHour:   b.RatePerHour.String(),
		DurationHours: b.DurationHours,
		Total:         b.Total.String(),
		Accepted:      b.Accepted,
		AcceptedAt:    b.AcceptedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params createListingParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "owner: "+err.Error(), nil)
		return
	}
	rate, err := parseAmount(params.HourlyRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "hourlyRate: "+err.Error(), nil)
		return
	}
	collateral, err := parseAmount(params.Collateral)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "collateral: "+err.Error(), nil)
		return
	}
	nonce, err := parseHash(params.Nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "nonce: "+err.Error(), nil)
		return
	}
	listing, err := s.node.Market().CreateListing(owner, rate, collateral, nonce)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingToJSON(listing))
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listingIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	listing, err := s.node.Market().GetListing(id)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingToJSON(listing))
}

func (s *Server) handleSetListingStatus(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params setListingStatusParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	status, err := market.ParseListingStatus(params.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	listing, err := s.node.Market().SetListingStatus(id, status)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingToJSON(listing))
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params placeBidParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	listingID, err := parseHash(params.ListingID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "listingId: "+err.Error(), nil)
		return
	}
	bidder, err := parseAddress(params.Bidder)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "bidder: "+err.Error(), nil)
		return
	}
	rate, err := parseAmount(params.RatePerHour)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "ratePerHour: "+err.Error(), nil)
		return
	}
	bid, err := s.node.Market().PlaceBid(listingID, bidder, rate, params.DurationHours, params.Message)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bidToJSON(bid))
}

func (s *Server) handleRankedBids(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rankedBidsParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	listingID, err := parseHash(params.ListingID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "listingId: "+err.Error(), nil)
		return
	}
	bids, next, err := s.node.Market().RankedBids(listingID, params.Cursor, params.Limit)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	result := rankedBidsResult{Bids: make([]bidJSON, 0, len(bids)), NextCursor: next}
	for _, b := range bids {
		result.Bids = append(result.Bids, bidToJSON(b))
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleHighestBid(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listingIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	listingID, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	bid, err := s.node.Market().HighestBid(listingID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bidToJSON(bid))
}

func (s *Server) handleBidFor(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bidForParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	listingID, err := parseHash(params.ListingID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "listingId: "+err.Error(), nil)
		return
	}
	bidder, err := parseAddress(params.Bidder)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "bidder: "+err.Error(), nil)
		return
	}
	bid, err := s.node.Market().BidFor(listingID, bidder)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bidToJSON(bid))
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bidActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "caller: "+err.Error(), nil)
		return
	}
	if err := s.node.Market().WithdrawBid(id, caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"withdrawn": true})
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bidActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "caller: "+err.Error(), nil)
		return
	}
	bid, err := s.node.Market().AcceptBid(id, caller)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bidToJSON(bid))
}

func (s *Server) handleRejectBid(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bidActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "caller: "+err.Error(), nil)
		return
	}
	bid, err := s.node.Market().RejectBid(id, caller)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bidToJSON(bid))
}
