package faucet

import (
	"context"
	"errors"
	"testing"
	"time"

	"faucetd/internal/ledger"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func scripted(events ...ledger.StatusEvent) <-chan ledger.StatusEvent {
	ch := make(chan ledger.StatusEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestTrackResolvesAtInBlockSuccess(t *testing.T) {
	res := track(context.Background(), scripted(
		ledger.StatusEvent{Stage: ledger.StageQueued},
		ledger.StatusEvent{Stage: ledger.StageBroadcast},
		ledger.StatusEvent{Stage: ledger.StageInBlock, Block: "0xaa", Dispatch: ledger.DispatchSucceeded},
	), time.Second, zaptest.NewLogger(t))

	assert.Equal(t, StateFinalized, res.State)
}

func TestTrackResolvesAtInBlockFailure(t *testing.T) {
	res := track(context.Background(), scripted(
		ledger.StatusEvent{Stage: ledger.StageInBlock, Block: "0xaa", Dispatch: ledger.DispatchFailed},
	), time.Second, zaptest.NewLogger(t))

	assert.Equal(t, StateExtrinsicFailed, res.State)
}

func TestTrackWaitsThroughUnknownVerdict(t *testing.T) {
	res := track(context.Background(), scripted(
		ledger.StatusEvent{Stage: ledger.StageInBlock, Block: "0xaa", Dispatch: ledger.DispatchUnknown},
		ledger.StatusEvent{Stage: ledger.StageFinalized, Block: "0xaa", Dispatch: ledger.DispatchSucceeded},
	), time.Second, zaptest.NewLogger(t))

	assert.Equal(t, StateFinalized, res.State)
}

func TestTrackFinalizedWithoutVerdictIsIndeterminate(t *testing.T) {
	res := track(context.Background(), scripted(
		ledger.StatusEvent{Stage: ledger.StageInBlock, Block: "0xaa", Dispatch: ledger.DispatchUnknown},
		ledger.StatusEvent{Stage: ledger.StageFinalized, Block: "0xaa", Dispatch: ledger.DispatchUnknown},
	), time.Second, zaptest.NewLogger(t))

	assert.Equal(t, StateIndeterminate, res.State)
}

func TestTrackTransportError(t *testing.T) {
	cause := errors.New("node unreachable")
	res := track(context.Background(), scripted(
		ledger.StatusEvent{Stage: ledger.StageBroadcast},
		ledger.StatusEvent{Err: cause},
	), time.Second, zaptest.NewLogger(t))

	assert.Equal(t, StateErrored, res.State)
	assert.ErrorIs(t, res.Err, cause)
}

func TestTrackClosedStreamIsError(t *testing.T) {
	res := track(context.Background(), scripted(
		ledger.StatusEvent{Stage: ledger.StageQueued},
	), time.Second, zaptest.NewLogger(t))

	assert.Equal(t, StateErrored, res.State)
}

func TestTrackTimesOut(t *testing.T) {
	stalled := make(chan ledger.StatusEvent)
	defer close(stalled)

	res := track(context.Background(), stalled, 20*time.Millisecond, zaptest.NewLogger(t))
	assert.Equal(t, StateTimedOut, res.State)
}
