package core

import (
	"context"
	"log/slog"
	"time"

	"rentledger/core/events"
	"rentledger/native/common"
	"rentledger/native/market"
	"rentledger/native/rental"
	"rentledger/state"
	"rentledger/storage"
)

// Options tunes the engines a node hosts. Zero values fall back to the
// engine defaults.
type Options struct {
	Step2Window    time.Duration
	Step4Window    time.Duration
	PlatformFeeBps uint32
	SweepInterval  time.Duration
	FeedCapacity   int
	BidQuota       common.Quota
	PausedModules  []string
	Custody        rental.Custody
	Logger         *slog.Logger
}

// staticPauses is a config-time pause set. Modules listed at startup reject
// writes until the node is restarted without them.
type staticPauses map[string]bool

func (p staticPauses) IsPaused(module string) bool { return p[module] }

// Node wires the persistent store, the bid ledger, the escrow lifecycle
// engine, the deadline monitor and the event feed into one unit the RPC
// server exposes.
type Node struct {
	db      storage.Database
	state   *state.Manager
	market  *market.Engine
	rental  *rental.Engine
	feed    *events.Feed
	monitor *rental.Monitor
}

// NewNode builds a fully wired node on top of the supplied database.
func NewNode(db storage.Database, opts Options) *Node {
	manager := state.NewManager(db)
	feed := events.NewFeed(opts.FeedCapacity)
	feed.Resume(manager.EventSequence())
	feed.SetCheckpoint(manager.SetEventSequence)

	var pauses staticPauses
	if len(opts.PausedModules) > 0 {
		pauses = make(staticPauses, len(opts.PausedModules))
		for _, module := range opts.PausedModules {
			pauses[module] = true
		}
	}

	rentalEngine := rental.NewEngine()
	rentalEngine.SetState(manager)
	rentalEngine.SetEmitter(feed)
	if pauses != nil {
		rentalEngine.SetPauses(pauses)
	}
	rentalEngine.SetWindows(opts.Step2Window, opts.Step4Window)
	if opts.PlatformFeeBps > 0 {
		rentalEngine.SetFeeBps(opts.PlatformFeeBps)
	}
	if opts.Custody != nil {
		rentalEngine.SetCustody(opts.Custody)
	}

	marketEngine := market.NewEngine()
	marketEngine.SetState(manager)
	marketEngine.SetEmitter(feed)
	marketEngine.SetRentals(rentalEngine)
	if pauses != nil {
		marketEngine.SetPauses(pauses)
	}
	if opts.BidQuota.Enabled() {
		marketEngine.SetBidQuota(opts.BidQuota)
	}

	return &Node{
		db:      db,
		state:   manager,
		market:  marketEngine,
		rental:  rentalEngine,
		feed:    feed,
		monitor: rental.NewMonitor(rentalEngine, opts.SweepInterval, opts.Logger),
	}
}

// Market returns the bid ledger engine.
func (n *Node) Market() *market.Engine { return n.market }

// Rental returns the escrow lifecycle engine.
func (n *Node) Rental() *rental.Engine { return n.rental }

// Feed returns the change-notification feed.
func (n *Node) Feed() *events.Feed { return n.feed }

// Monitor returns the deadline sweep monitor.
func (n *Node) Monitor() *rental.Monitor { return n.monitor }

// RunMonitor starts the deadline sweep until the context is cancelled.
func (n *Node) RunMonitor(ctx context.Context) {
	n.monitor.Run(ctx)
}
