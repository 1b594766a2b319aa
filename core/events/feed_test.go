package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"rentledger/core/types"
)

type stubEvent struct {
	evt *types.Event
}

func (s stubEvent) EventType() string   { return s.evt.Type }
func (s stubEvent) Event() *types.Event { return s.evt }

func TestFeedAfterReturnsOnlyNewerEvents(t *testing.T) {
	feed := NewFeed(16)
	for i := 0; i < 5; i++ {
		feed.Emit(stubEvent{evt: &types.Event{Type: fmt.Sprintf("market.bid.%d", i)}})
	}
	require.EqualValues(t, 5, feed.LastSequence())

	batch := feed.After(2, 10)
	require.Len(t, batch, 3)
	require.EqualValues(t, 3, batch[0].Sequence)
	require.Equal(t, "market.bid.2", batch[0].Event.Type)
	require.EqualValues(t, 5, batch[2].Sequence)
}

func TestFeedEvictsBeyondCapacity(t *testing.T) {
	feed := NewFeed(3)
	for i := 0; i < 10; i++ {
		feed.Emit(stubEvent{evt: &types.Event{Type: "rental.step"}})
	}
	batch := feed.After(0, 100)
	require.Len(t, batch, 3)
	require.EqualValues(t, 8, batch[0].Sequence)
	require.EqualValues(t, 10, feed.LastSequence())
}

func TestFeedResumesNumberingAfterRestart(t *testing.T) {
	var persisted int64
	checkpoint := func(seq int64) error {
		persisted = seq
		return nil
	}

	feed := NewFeed(16)
	feed.SetCheckpoint(checkpoint)
	for i := 0; i < 5; i++ {
		feed.Emit(stubEvent{evt: &types.Event{Type: "market.bid.placed"}})
	}
	require.EqualValues(t, 5, persisted)
	cursor := feed.LastSequence()

	restarted := NewFeed(16)
	restarted.SetCheckpoint(checkpoint)
	restarted.Resume(persisted)
	restarted.Emit(stubEvent{evt: &types.Event{Type: "rental.created"}})

	batch := restarted.After(cursor, 10)
	require.Len(t, batch, 1)
	require.EqualValues(t, 6, batch[0].Sequence)
	require.Equal(t, "rental.created", batch[0].Event.Type)
	require.EqualValues(t, 6, persisted)
}

func TestFeedResumeNeverRewinds(t *testing.T) {
	feed := NewFeed(8)
	feed.Emit(stubEvent{evt: &types.Event{Type: "rental.created"}})
	feed.Emit(stubEvent{evt: &types.Event{Type: "rental.settled"}})
	feed.Resume(0)
	feed.Emit(stubEvent{evt: &types.Event{Type: "rental.cancelled"}})
	require.EqualValues(t, 3, feed.LastSequence())
}

func TestFeedLimitAndEmptyResult(t *testing.T) {
	feed := NewFeed(8)
	feed.Emit(stubEvent{evt: &types.Event{Type: "rental.created"}})
	require.Empty(t, feed.After(1, 10))
	require.Len(t, feed.After(0, 1), 1)
}
