package faucet

import (
	"context"
	"errors"
	"time"

	"faucetd/internal/ledger"

	"go.uber.org/zap"
)

// TerminalState is the single resolution of one tracked submission.
type TerminalState int

const (
	// StateFinalized: the transfer was included and dispatched successfully.
	StateFinalized TerminalState = iota
	// StateExtrinsicFailed: included, but the runtime rejected the dispatch.
	StateExtrinsicFailed
	// StateErrored: the transport or pool failed after submission.
	StateErrored
	// StateTimedOut: no terminal status arrived within the bound. The
	// transaction may still land; the caller must not assume it was
	// cancelled.
	StateTimedOut
	// StateIndeterminate: the transfer finalized but its dispatch verdict
	// could not be read. It may well have succeeded, so the caller must not
	// report a ledger failure or invite an immediate retry.
	StateIndeterminate
)

type trackResult struct {
	State TerminalState
	Err   error
}

// track reduces the submission status stream to exactly one terminal result.
// Inclusion (InBlock or Finalized) resolves as soon as the dispatch verdict
// for the extrinsic is known; everything else is a non-terminal update.
func track(ctx context.Context, updates <-chan ledger.StatusEvent, timeout time.Duration, log *zap.Logger) trackResult {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return trackResult{State: StateTimedOut, Err: ctx.Err()}
		case <-timer.C:
			return trackResult{State: StateTimedOut, Err: errors.New("timed out waiting for a terminal status")}
		case ev, ok := <-updates:
			if !ok {
				return trackResult{State: StateErrored, Err: errors.New("status stream closed before a terminal status")}
			}
			if ev.Err != nil {
				return trackResult{State: StateErrored, Err: ev.Err}
			}

			switch ev.Stage {
			case ledger.StageInBlock, ledger.StageFinalized:
				switch ev.Dispatch {
				case ledger.DispatchFailed:
					return trackResult{State: StateExtrinsicFailed}
				case ledger.DispatchSucceeded:
					return trackResult{State: StateFinalized}
				default:
					if ev.Stage == ledger.StageFinalized {
						// No later update will settle this; the events of
						// the finalized block were unreadable.
						return trackResult{State: StateIndeterminate}
					}
					// Verdict not readable yet; wait for the finalized
					// status or the timeout.
					log.Debug("inclusion without dispatch verdict",
						zap.Stringer("stage", ev.Stage), zap.String("block", ev.Block))
				}
			default:
				log.Debug("transaction status update", zap.Stringer("stage", ev.Stage))
			}
		}
	}
}
