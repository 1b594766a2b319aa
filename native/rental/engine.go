package rental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"rentledger/core/events"
	"rentledger/core/types"
	"rentledger/native/common"
	"rentledger/native/market"
)

// PauseModuleName identifies the escrow lifecycle in pause views. Deadline
// evaluation is exempt from pausing so expiries are still enforced.
const PauseModuleName = "rental"

var (
	// ErrNotFound marks lookups of agreements that do not exist.
	ErrNotFound = errors.New("rental: not found")
	// ErrConflict marks completion actions targeting a step that is not
	// currently active.
	ErrConflict = errors.New("rental: conflict")
	// ErrInvalidState marks actions attempted against a terminal
	// agreement.
	ErrInvalidState = errors.New("rental: invalid state")
	// ErrCustodyFailure wraps a failed external asset-transfer call. The
	// step stays active so the action can be retried.
	ErrCustodyFailure = errors.New("rental: custody failure")

	errNilState = errors.New("rental engine: state not configured")
)

// Custody is the external asset-transfer surface invoked on step
// completions and forced transitions. The engine never marks a step
// completed when the corresponding custody call failed.
type Custody interface {
	SendAsset(ctx context.Context, a *Agreement, evidence string) error
	Settle(ctx context.Context, a *Agreement, s *Settlement) error
	Refund(ctx context.Context, a *Agreement) error
	Forfeit(ctx context.Context, a *Agreement) error
}

// NoopCustody satisfies Custody while performing no transfers. It stands in
// for the on-chain integration, which is out of scope for the engine.
type NoopCustody struct{}

func (NoopCustody) SendAsset(context.Context, *Agreement, string) error { return nil }
func (NoopCustody) Settle(context.Context, *Agreement, *Settlement) error {
	return nil
}
func (NoopCustody) Refund(context.Context, *Agreement) error  { return nil }
func (NoopCustody) Forfeit(context.Context, *Agreement) error { return nil }

// engineState is the narrow persistence surface the escrow lifecycle needs.
// ApplyTransition must persist the agreement and its full step ledger in a
// single atomic write and keep the active-agreement index in sync with the
// agreement status.
type engineState interface {
	AgreementGet(id [32]byte) (*Agreement, bool)
	StepsGet(id [32]byte) ([]*Step, bool)
	AgreementIDByListing(listingID [32]byte) ([32]byte, bool)
	ActiveAgreements() ([][32]byte, error)
	ApplyTransition(a *Agreement, steps []*Step) error
}

type rentalEvent struct {
	evt *types.Event
}

func (e rentalEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e rentalEvent) Event() *types.Event { return e.evt }

const (
	defaultStep2Window = 24 * time.Hour
	defaultStep4Window = 72 * time.Hour
	defaultFeeBps      = 250
)

// Engine drives the five-step escrow lifecycle. Mutating operations are
// serialized by an internal mutex and guarded by status preconditions, so a
// lazy client-triggered evaluation racing the sweep cannot double-apply a
// forced transition.
type Engine struct {
	mu          sync.Mutex
	state       engineState
	emitter     events.Emitter
	pauses      common.PauseView
	custody     Custody
	nowFn       func() int64
	step2Window int64
	step4Window int64
	feeBps      uint32
}

// NewEngine creates a rental escrow engine with a no-op emitter, no-op
// custody and the default deadline windows.
func NewEngine() *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		custody:     NoopCustody{},
		nowFn:       func() int64 { return time.Now().Unix() },
		step2Window: int64(defaultStep2Window / time.Second),
		step4Window: int64(defaultStep4Window / time.Second),
		feeBps:      defaultFeeBps,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses configures the administrative pause view consulted before manual
// lifecycle actions.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetCustody configures the external asset-custody surface. Passing nil
// resets it to the no-op implementation.
func (e *Engine) SetCustody(c Custody) {
	if c == nil {
		e.custody = NoopCustody{}
		return
	}
	e.custody = c
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

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetWindows configures the step-2 and step-4 deadline windows.
func (e *Engine) SetWindows(step2, step4 time.Duration) {
	if step2 > 0 {
		e.step2Window = int64(step2 / time.Second)
	}
	if step4 > 0 {
		e.step4Window = int64(step4 / time.Second)
	}
}

// SetFeeBps configures the platform fee in basis points.
func (e *Engine) SetFeeBps(bps uint32) {
	if bps <= 10_000 {
		e.feeBps = bps
	}
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(rentalEvent{evt: event})
}

func (e *Engine) guard() error {
	if err := common.Guard(e.pauses, PauseModuleName); err != nil {
		return fmt.Errorf("rental: %w", err)
	}
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) load(id [32]byte) (*Agreement, []*Step, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	agreement, ok := e.state.AgreementGet(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: agreement %x", ErrNotFound, id)
	}
	steps, ok := e.state.StepsGet(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: steps for agreement %x", ErrNotFound, id)
	}
	return agreement, steps, nil
}

// CreateFromAcceptedBid opens the escrow lifecycle for an accepted bid. It
// implements the acceptance hook of the bid ledger. Payment is treated as
// deposited by the acceptance itself, so step 1 opens completed and step 2
// active with its delivery deadline armed. Replaying the same accepted bid
// is idempotent.
func (e *Engine) CreateFromAcceptedBid(listing *market.Listing, bid *market.Bid) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if listing == nil || bid == nil {
		return fmt.Errorf("rental: nil listing or bid")
	}
	if !bid.Accepted {
		return fmt.Errorf("rental: bid %x is not accepted", bid.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := AgreementID(bid.ID)
	if existing, ok := e.state.AgreementGet(id); ok {
		if existing.BidID != bid.ID || existing.ListingID != listing.ID {
			return fmt.Errorf("%w: agreement id already exists with different definition", ErrConflict)
		}
		return nil
	}
	now := e.now()
	fee := new(big.Int).Mul(bid.RatePerHour, new(big.Int).SetUint64(bid.DurationHours))
	agreement := &Agreement{
		ID:            id,
		ListingID:     listing.ID,
		BidID:         bid.ID,
		Lender:        listing.Owner,
		Renter:        bid.Bidder,
		RatePerHour:   bid.RatePerHour,
		DurationHours: bid.DurationHours,
		Fee:           fee,
		Collateral:    listing.Collateral,
		Status:        AgreementActive,
		CurrentStep:   StepLenderSendsAsset,
		CreatedAt:     now,
		Step2Deadline: now + e.step2Window,
	}
	sanitized, err := SanitizeAgreement(agreement)
	if err != nil {
		return err
	}
	steps := newSteps(id, now)
	if err := e.state.ApplyTransition(sanitized, steps); err != nil {
		return err
	}
	e.emit(NewCreatedEvent(sanitized))
	return nil
}

// Get returns the agreement and its step ledger.
func (e *Engine) Get(id [32]byte) (*Snapshot, error) {
	agreement, steps, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Agreement: agreement, Steps: steps}, nil
}

// GetByListing resolves the agreement for a listing, if one exists.
func (e *Engine) GetByListing(listingID [32]byte) (*Snapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	id, ok := e.state.AgreementIDByListing(listingID)
	if !ok {
		return nil, fmt.Errorf("%w: no agreement for listing %x", ErrNotFound, listingID)
	}
	return e.Get(id)
}

func stepByNumber(steps []*Step, number uint8) *Step {
	for _, s := range steps {
		if s.Number == number {
			return s
		}
	}
	return nil
}

// CompleteStep applies an explicit completion action to the agreement's
// currently active step. Step 2 must be completed by the lender before its
// deadline; step 4 is the settlement action available to the renter (the
// system path is ForceSettle). Steps 1, 3 and 5 have no manual completion.
func (e *Engine) CompleteStep(ctx context.Context, id [32]byte, stepNumber uint8, caller [20]byte, evidence string) (*Snapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	agreement, steps, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if agreement.Status.Terminal() {
		return nil, fmt.Errorf("%w: agreement is %s", ErrInvalidState, agreement.Status)
	}
	if agreement.CurrentStep != stepNumber {
		return nil, fmt.Errorf("%w: step %d is not active (current step %d)", ErrConflict, stepNumber, agreement.CurrentStep)
	}
	now := e.now()
	switch stepNumber {
	case StepLenderSendsAsset:
		if caller != agreement.Lender {
			return nil, fmt.Errorf("rental: unauthorized delivery caller")
		}
		if now > agreement.Step2Deadline {
			if err := e.cancelLocked(ctx, agreement, steps, now); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: delivery deadline passed", ErrInvalidState)
		}
		return e.completeDeliveryLocked(ctx, agreement, steps, now, evidence)
	case StepRenterReturns:
		if caller != agreement.Renter {
			return nil, fmt.Errorf("rental: unauthorized settlement caller")
		}
		if now > agreement.Step4Deadline {
			if err := e.defaultLocked(ctx, agreement, steps, now); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: settlement deadline passed", ErrInvalidState)
		}
		return e.settleLocked(ctx, agreement, steps, now, evidence)
	default:
		return nil, fmt.Errorf("%w: step %d has no manual completion", ErrConflict, stepNumber)
	}
}

// ForceSettle runs the settlement action without a caller check. It is the
// system-initiated close used by operators once the return has been verified
// out of band.
func (e *Engine) ForceSettle(ctx context.Context, id [32]byte, evidence string) (*Snapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	agreement, steps, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if agreement.Status.Terminal() {
		return nil, fmt.Errorf("%w: agreement is %s", ErrInvalidState, agreement.Status)
	}
	if agreement.CurrentStep != StepRenterReturns {
		return nil, fmt.Errorf("%w: step %d is not active (current step %d)", ErrConflict, StepRenterReturns, agreement.CurrentStep)
	}
	return e.settleLocked(ctx, agreement, steps, e.now(), evidence)
}

// Cancel terminates the agreement while the delivery step is still open,
// refunding the renter through custody. The deadline monitor uses the same
// transition when the delivery deadline lapses.
func (e *Engine) Cancel(ctx context.Context, id [32]byte) (*Snapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	agreement, steps, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if agreement.Status.Terminal() {
		return nil, fmt.Errorf("%w: agreement is %s", ErrInvalidState, agreement.Status)
	}
	if agreement.CurrentStep != StepLenderSendsAsset {
		return nil, fmt.Errorf("%w: cancel requires the delivery step to be active", ErrConflict)
	}
	if err := e.cancelLocked(ctx, agreement, steps, e.now()); err != nil {
		return nil, err
	}
	return &Snapshot{Agreement: agreement.Clone(), Steps: cloneSteps(steps)}, nil
}

// Default terminates the agreement while the return step is open, forfeiting
// the collateral to the lender through custody. The deadline monitor uses
// the same transition when the settlement deadline lapses.
func (e *Engine) Default(ctx context.Context, id [32]byte) (*Snapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(); err != nil {
		return nil, err
	}

	agreement, steps, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if agreement.Status.Terminal() {
		return nil, fmt.Errorf("%w: agreement is %s", ErrInvalidState, agreement.Status)
	}
	if agreement.CurrentStep != StepRenterReturns {
		return nil, fmt.Errorf("%w: default requires the return step to be active", ErrConflict)
	}
	if err := e.defaultLocked(ctx, agreement, steps, e.now()); err != nil {
		return nil, err
	}
	return &Snapshot{Agreement: agreement.Clone(), Steps: cloneSteps(steps)}, nil
}

// Evaluate compares now against the active step's deadline and applies the
// forced transition at most once. Re-evaluating a terminal or already
// advanced agreement is a no-op. It reports whether a transition was
// applied.
func (e *Engine) Evaluate(ctx context.Context, id [32]byte, now int64) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, steps, err := e.load(id)
	if err != nil {
		return false, err
	}
	return e.evaluateLocked(ctx, agreement, steps, now)
}

func (e *Engine) evaluateLocked(ctx context.Context, agreement *Agreement, steps []*Step, now int64) (bool, error) {
	if agreement.Status.Terminal() {
		return false, nil
	}
	changed := false
	if agreement.CurrentStep == StepLenderSendsAsset && now > agreement.Step2Deadline {
		if err := e.cancelLocked(ctx, agreement, steps, now); err != nil {
			return changed, err
		}
		return true, nil
	}
	if agreement.CurrentStep == StepRentalPeriod && now >= agreement.StartedAt+int64(agreement.DurationHours)*3600 {
		if err := e.openReturnWindowLocked(agreement, steps, now); err != nil {
			return changed, err
		}
		changed = true
	}
	if agreement.CurrentStep == StepRenterReturns && agreement.Step4Deadline > 0 && now > agreement.Step4Deadline {
		if err := e.defaultLocked(ctx, agreement, steps, now); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// EvaluateAll sweeps every active agreement. Evaluation failures do not stop
// the sweep; the failed agreements are retried on the next pass. It returns
// the ids that transitioned and the errors encountered.
func (e *Engine) EvaluateAll(ctx context.Context, now int64) ([][32]byte, []error) {
	if e == nil || e.state == nil {
		return nil, []error{errNilState}
	}
	ids, err := e.state.ActiveAgreements()
	if err != nil {
		return nil, []error{err}
	}
	var transitioned [][32]byte
	var errs []error
	for _, id := range ids {
		changed, err := e.Evaluate(ctx, id, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluate agreement %x: %w", id, err))
			continue
		}
		if changed {
			transitioned = append(transitioned, id)
		}
	}
	return transitioned, errs
}

func (e *Engine) completeDeliveryLocked(ctx context.Context, agreement *Agreement, steps []*Step, now int64, evidence string) (*Snapshot, error) {
	if err := e.custody.SendAsset(ctx, agreement, evidence); err != nil {
		return nil, fmt.Errorf("%w: send asset: %v", ErrCustodyFailure, err)
	}
	delivery := stepByNumber(steps, StepLenderSendsAsset)
	period := stepByNumber(steps, StepRentalPeriod)
	delivery.Status = StepCompleted
	delivery.Evidence = evidence
	delivery.Timestamp = now
	period.Status = StepActive
	period.Timestamp = now
	agreement.CurrentStep = StepRentalPeriod
	agreement.StartedAt = now
	if err := e.state.ApplyTransition(agreement, steps); err != nil {
		return nil, err
	}
	e.emit(NewAssetSentEvent(agreement, evidence))
	return &Snapshot{Agreement: agreement.Clone(), Steps: cloneSteps(steps)}, nil
}

func (e *Engine) openReturnWindowLocked(agreement *Agreement, steps []*Step, now int64) error {
	period := stepByNumber(steps, StepRentalPeriod)
	returns := stepByNumber(steps, StepRenterReturns)
	periodEnd := agreement.StartedAt + int64(agreement.DurationHours)*3600
	period.Status = StepCompleted
	period.Timestamp = periodEnd
	returns.Status = StepActive
	returns.Timestamp = now
	agreement.CurrentStep = StepRenterReturns
	agreement.Step4Deadline = periodEnd + e.step4Window
	if err := e.state.ApplyTransition(agreement, steps); err != nil {
		return err
	}
	e.emit(NewReturnWindowEvent(agreement))
	return nil
}

func (e *Engine) settleLocked(ctx context.Context, agreement *Agreement, steps []*Step, now int64, evidence string) (*Snapshot, error) {
	settlement, err := Settle(agreement.RatePerHour, agreement.DurationHours, agreement.Collateral, e.feeBps, OutcomeCompleted)
	if err != nil {
		return nil, err
	}
	if err := e.custody.Settle(ctx, agreement, settlement); err != nil {
		return nil, fmt.Errorf("%w: settle: %v", ErrCustodyFailure, err)
	}
	returns := stepByNumber(steps, StepRenterReturns)
	payout := stepByNumber(steps, StepSettlement)
	returns.Status = StepCompleted
	returns.Evidence = evidence
	returns.Timestamp = now
	payout.Status = StepCompleted
	payout.Evidence = settlementEvidence(settlement)
	payout.Timestamp = now
	agreement.Status = AgreementCompleted
	agreement.CurrentStep = 0
	if err := e.state.ApplyTransition(agreement, steps); err != nil {
		return nil, err
	}
	e.emit(NewSettledEvent(agreement, settlement))
	return &Snapshot{Agreement: agreement.Clone(), Steps: cloneSteps(steps)}, nil
}

func (e *Engine) cancelLocked(ctx context.Context, agreement *Agreement, steps []*Step, now int64) error {
	if err := e.custody.Refund(ctx, agreement); err != nil {
		return fmt.Errorf("%w: refund: %v", ErrCustodyFailure, err)
	}
	// Step 2 deliberately stays non-completed; the record shows delivery
	// never happened.
	agreement.Status = AgreementCancelled
	agreement.CurrentStep = 0
	if err := e.state.ApplyTransition(agreement, steps); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(agreement))
	return nil
}

func (e *Engine) defaultLocked(ctx context.Context, agreement *Agreement, steps []*Step, now int64) error {
	settlement, err := Settle(agreement.RatePerHour, agreement.DurationHours, agreement.Collateral, e.feeBps, OutcomeDefaulted)
	if err != nil {
		return err
	}
	if err := e.custody.Forfeit(ctx, agreement); err != nil {
		return fmt.Errorf("%w: forfeit: %v", ErrCustodyFailure, err)
	}
	agreement.Status = AgreementDefaulted
	agreement.CurrentStep = 0
	if err := e.state.ApplyTransition(agreement, steps); err != nil {
		return err
	}
	e.emit(NewDefaultedEvent(agreement, settlement))
	return nil
}

func settlementEvidence(s *Settlement) string {
	payload := map[string]string{
		"rentalCost":  s.RentalCost.String(),
		"platformFee": s.PlatformFee.String(),
		"toLender":    s.ToLender.String(),
		"toRenter":    s.ToRenter.String(),
		"outcome":     s.Outcome.String(),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(encoded)
}
