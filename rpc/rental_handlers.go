package rpc

import (
	"net/http"
	"time"

	"rentledger/core/events"
	"rentledger/native/rental"
)

type completeStepParams struct {
	ID         string `json:"id"`
	StepNumber uint8  `json:"stepNumber"`
	Caller     string `json:"caller"`
	Evidence   string `json:"evidence,omitempty"`
}

type agreementIDParams struct {
	ID string `json:"id"`
}

type forceSettleParams struct {
	ID       string `json:"id"`
	Evidence string `json:"evidence,omitempty"`
}

type rentalGetParams struct {
	ListingID string `json:"listingId,omitempty"`
	ID        string `json:"id,omitempty"`
}

type listEventsParams struct {
	After int64 `json:"after,omitempty"`
	Limit int   `json:"limit,omitempty"`
}

type stepJSON struct {
	Number      uint8  `json:"number"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Evidence    string `json:"evidence,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

type agreementJSON struct {
	ID            string     `json:"id"`
	ListingID     string     `json:"listingId"`
	BidID         string     `json:"bidId"`
	Lender        string     `json:"lender"`
	Renter        string     `json:"renter"`
	RatePerHour   string     `json:"ratePerHour"`
	DurationHours uint64     `json:"durationHours"`
	Fee           string     `json:"fee"`
	Collateral    string     `json:"collateral"`
	Status        string     `json:"status"`
	CurrentStep   uint8      `json:"currentStep"`
	CreatedAt     int64      `json:"createdAt"`
	StartedAt     int64      `json:"startedAt,omitempty"`
	Step2Deadline int64      `json:"step2Deadline"`
	Step4Deadline int64      `json:"step4Deadline,omitempty"`
	ExternalRef   string     `json:"externalRef,omitempty"`
	Steps         []stepJSON `json:"steps"`
}

func snapshotToJSON(s *rental.Snapshot) agreementJSON {
	a := s.Agreement
	out := agreementJSON{
		ID:            hashHex(a.ID),
		ListingID:     hashHex(a.ListingID),
		BidID:         hashHex(a.BidID),
		Lender:        addrHex(a.Lender),
		Renter:        addrHex(a.Renter),
		RatePerHour:   a.RatePerHour.String(),
		DurationHours: a.DurationHours,
		Fee:           a.Fee.String(),
		Collateral:    a.Collateral.String(),
		Status:        a.Status.String(),
		CurrentStep:   a.CurrentStep,
		CreatedAt:     a.CreatedAt,
		StartedAt:     a.StartedAt,
		Step2Deadline: a.Step2Deadline,
		Step4Deadline: a.Step4Deadline,
		ExternalRef:   a.ExternalRef,
		Steps:         make([]stepJSON, 0, len(s.Steps)),
	}
	for _, step := range s.Steps {
		out.Steps = append(out.Steps, stepJSON{
			Number:      step.Number,
			Title:       step.Title,
			Description: step.Description,
			Status:      step.Status.String(),
			Evidence:    step.Evidence,
			Timestamp:   step.Timestamp,
		})
	}
	return out
}

func (s *Server) handleRentalGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rentalGetParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var snapshot *rental.Snapshot
	switch {
	case params.ID != "":
		id, err := parseHash(params.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
			return
		}
		snapshot, err = s.node.Rental().Get(id)
		if err != nil {
			writeEngineError(w, req.ID, err)
			return
		}
	case params.ListingID != "":
		listingID, err := parseHash(params.ListingID)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "listingId: "+err.Error(), nil)
			return
		}
		snapshot, err = s.node.Rental().GetByListing(listingID)
		if err != nil {
			writeEngineError(w, req.ID, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id or listingId required", nil)
		return
	}
	writeResult(w, req.ID, snapshotToJSON(snapshot))
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params completeStepParams
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
	snapshot, err := s.node.Rental().CompleteStep(r.Context(), id, params.StepNumber, caller, params.Evidence)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, snapshotToJSON(snapshot))
}

func (s *Server) handleForceSettle(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params forceSettleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	snapshot, err := s.node.Rental().ForceSettle(r.Context(), id, params.Evidence)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, snapshotToJSON(snapshot))
}

func (s *Server) handleRentalCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params agreementIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	snapshot, err := s.node.Rental().Cancel(r.Context(), id)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, snapshotToJSON(snapshot))
}

func (s *Server) handleRentalDefault(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params agreementIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	snapshot, err := s.node.Rental().Default(r.Context(), id)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, snapshotToJSON(snapshot))
}

// handleRentalEvaluate services the lazy client-side expiry path: it only
// requests an idempotent evaluation, never computes the new state itself.
func (s *Server) handleRentalEvaluate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params agreementIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "id: "+err.Error(), nil)
		return
	}
	changed, err := s.node.Rental().Evaluate(r.Context(), id, time.Now().Unix())
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"transitioned": changed})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params := listEventsParams{}
	if len(req.Params) == 1 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	batch := s.node.Feed().After(params.After, params.Limit)
	if batch == nil {
		batch = []events.SequencedEvent{}
	}
	writeResult(w, req.ID, batch)
}
